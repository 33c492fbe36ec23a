// Command echo (built as a Go plugin, -buildmode=plugin) is the reference
// implementation of the loopback-echo scenario from spec §8: everything it
// receives on a session, it sends straight back.
package main

import (
	"github.com/luckypoem/tcp-chain/pkg/relayplugin"
)

var host relayplugin.Host

// OnInit retains the Callback Bus entry points for later use from OnRecv.
func OnInit(ctx relayplugin.InitContext) {
	host = ctx.Host
}

// OnConnect is a no-op; this plugin carries no per-session state.
func OnConnect(sess *relayplugin.Session) {}

// OnRecv echoes every received chunk back to the same session.
func OnRecv(sess *relayplugin.Session, buf *relayplugin.Buffer) {
	data := append([]byte(nil), buf.Bytes()...)
	_, _ = host.Send(sess, data)
}

// OnSend passes outgoing bytes through unmodified.
func OnSend(sess *relayplugin.Session, buf *relayplugin.Buffer) {}

// OnClose is a no-op; this plugin carries no per-session state to release.
func OnClose(sess *relayplugin.Session) {}

// PauseRemoteRecv is a no-op; this plugin has no upstream to throttle.
func PauseRemoteRecv(sess *relayplugin.Session, pause bool) {}
