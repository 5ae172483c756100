// Package roomlink establishes and maintains a client session with a
// multi-user room service.
//
// A session is built in two steps. The Session Orchestrator classifies
// how the page load arrived (a ConnexionMode), runs the matching
// authentication branch against the identity gateway and resolves the
// Room descriptor. The Persistent Connection Supervisor then opens the
// long-lived room connection with the resulting token and keeps retrying
// until the handshake completes or the process unloads.
//
// # Quick Start
//
//	import "github.com/luciancaetano/roomlink/client"
//
//	c, err := client.New(client.Config{
//	    GatewayURL:   "https://play.example.org",
//	    PusherURL:    "wss://pusher.example.org",
//	    StartRoomURL: "/_/global/maps.example.org/start.json",
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	room, err := c.EstablishSession(ctx, pageURL)
//	if errors.Is(err, roomlink.ErrRedirectRequired) {
//	    // navigation already handed to the Navigator
//	    return nil
//	}
//
//	onConnect, err := c.Connect(ctx, roomlink.AttemptParams{
//	    RoomURL:         room.Key,
//	    Name:            "alice",
//	    CharacterLayers: []string{"male1"},
//	})
//
// # Connexion modes
//
//	/login              external-login: redirect to the room's auth page
//	/jwt?code=&state=   code-exchange: return leg of the redirect
//	/register/<token>   legacy-register: organization-member token exchange
//	/@/...              organization room
//	/_/...              anonymous room
//	/                   bare load: last room, possibly from the remote cache
//
// # Frame format
//
// Frames of the room connection share the command pattern encoding:
//
//	[4 bytes: CommandID (uint32, big-endian)][N bytes: Payload]
//
// The only frame this package interprets is CmdRoomJoined, which marks
// the end of the handshake.
//
// # Retry
//
// A failed attempt (transport error or close during handshake) is
// retried after a delay drawn uniformly from [4s, 6s). There is no retry
// limit: the only exits are a live connection, context cancellation or
// Unload.
package roomlink
