// Package transport moves opaque frames between zephyrmesh nodes. It offers
// three messaging patterns over a small set of address schemes:
//
//	request/reply   ListenResponder / DialRequester
//	publish/subscribe   ListenPublisher / DialSubscriber
//	push/pull       ListenPuller / DialPusher
//
// Addresses are URLs: tcp://host:port, tls+tcp://host:port or inproc://name.
// Every endpoint is owned by a single goroutine at a time, except Close, which
// may be called from anywhere and makes a pending Recv return ErrClosed.
//
// Typical usage:
//
//	rep, _ := transport.ListenResponder("tcp://127.0.0.1:5555", transport.Options{})
//	defer rep.Close()
//	req, _ := transport.DialRequester("tcp://127.0.0.1:5555", transport.Options{})
//	defer req.Close()
//	reply, err := req.Request([]byte("STATUS"), time.Second)
package transport
