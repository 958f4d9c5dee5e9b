// Package sshtunnel forwards a local TCP port to a remote Docker engine over
// SSH. It is the fallback used when the Docker client cannot speak to the
// engine through its own SSH transport.
//
// # Tunnel Architecture
//
// A [Tunnel] owns one authenticated SSH client and one listener bound to an
// ephemeral port on 127.0.0.1. Every accepted connection gets its own SSH
// channel, multiplexed over the shared client:
//
//   - direct-streamlocal@openssh.com to the remote engine socket
//     (/var/run/docker.sock unless configured otherwise)
//   - direct-tcpip to 127.0.0.1:<fallback port> on the remote host when the
//     server does not offer socket forwarding (port 2375 by default)
//
// Bytes are relayed in both directions by two goroutines per connection.
// A failed connection is logged and dropped; the listener keeps serving.
//
// # Lifecycle
//
// Tunnels move through idle → starting → active → closing → closed. Any
// startup failure, and the death of the SSH client while active, ends in
// error. [Engine.Start] returns only once the listener goroutine is serving,
// bounded by the startup timeout (10s by default). [Tunnel.Close] cancels the
// tunnel's context, closes the listener and the SSH client, and waits for the
// forwarders to drain.
//
// # Usage
//
//	engine := sshtunnel.NewEngine(sshtunnel.Options{})
//	tun, err := engine.Start(ctx, sshtunnel.Endpoint{
//		Target:          target,
//		Signer:          signer,
//		HostKeyCallback: callback,
//	})
//	if err != nil {
//		return err
//	}
//	defer tun.Close()
//	cli, err := client.NewClientWithOpts(client.WithHost(tun.DockerHost()))
package sshtunnel
