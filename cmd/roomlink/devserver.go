package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/ws"
)

func newDevServerCommand() *cobra.Command {
	var (
		addr   string
		tokens []string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local room server that speaks the join handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			scfg := ws.ServerConfig{
				Addr:        addr,
				CheckOrigin: ws.AllOrigins(),
				OnJoin: func(conn *ws.Conn, join ws.JoinRequest) {
					log.Info().Str("conn", conn.ID()).Str("name", join.Params.Name).Str("room", join.Params.RoomURL).Msg("joined")
				},
				OnLeave: func(conn *ws.Conn, voluntary bool) {
					log.Info().Str("conn", conn.ID()).Bool("voluntary", voluntary).Msg("left")
				},
			}
			if len(tokens) > 0 {
				scfg.Authenticate = allowList(tokens)
			}
			server := ws.NewRoomServer(scfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := server.Start(ctx); err != nil {
				return errors.Wrap(err, "start room server")
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Stop(stopCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringSliceVar(&tokens, "token", nil, "accepted auth tokens, any token when empty")
	return cmd
}

func allowList(tokens []string) ws.AuthenticateFn {
	ids := make(map[string]int, len(tokens))
	for i, t := range tokens {
		ids[t] = i + 1
	}
	return func(token string) (int, error) {
		id, ok := ids[token]
		if !ok {
			return 0, errors.New(roomlink.ErrUnauthorized)
		}
		return id, nil
	}
}
