// Package ipcpp is a publish/subscribe channel between processes on one
// host. Values travel through shared memory and are never copied by the
// library: a publisher constructs a value in a slot of the topic's data
// segment and every subscriber reads that same slot through a Guard.
//
// A topic is two segments. The control segment holds the initialization
// gate, the topic header and the subscriber registry with one notification
// queue per subscriber. The data segment holds the message slots, each a
// reference-counted container. A slot is reused only after every queued
// notification and every guard referring to it is gone.
//
//	t, err := ipcpp.Open[Tick]("market/ticks", ipcpp.Options{})
//	...
//	pub, _ := t.NewPublisher()
//	pub.Publish(ctx, Tick{Price: 101})
//
//	sub, _ := t.Subscribe()
//	g, err := sub.AcquireWait(ctx)
//	...
//	fmt.Println(g.Value().Price)
//	g.Release()
//
// Payload types must have a fixed layout: no pointers, slices, strings,
// maps, interfaces, channels or funcs.
package ipcpp
