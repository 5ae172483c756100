package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/client"
)

func newConnectCommand() *cobra.Command {
	var (
		page   string
		name   string
		layers []string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Establish a session for a page URL and hold the room connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			pageURL, err := url.Parse(page)
			if err != nil {
				return errors.Wrap(err, "invalid --page")
			}

			ccfg := client.FromFileConfig(cfg)
			ccfg.Navigator = client.NavigatorFunc(func(_ context.Context, target string) error {
				log.Info().Str("target", target).Msg("open this page to continue")
				return nil
			})

			c, err := client.New(ccfg)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				c.Unload()
			}()

			r, err := c.EstablishSession(ctx, pageURL)
			if errors.Is(err, roomlink.ErrRedirectRequired) {
				return nil
			}
			if err != nil {
				return err
			}
			log.Info().Str("room", r.Key).Str("mode", string(c.Mode())).Msg("session ready")

			onConnect, err := c.Connect(context.Background(), roomlink.AttemptParams{
				RoomURL:         r.Key,
				Name:            name,
				CharacterLayers: layers,
			})
			if errors.Is(err, roomlink.ErrUnloading) {
				return nil
			}
			if err != nil {
				return err
			}
			defer onConnect.Conn.Close(context.Background())

			log.Info().Int("user_id", onConnect.Joined.UserID).Msg("joined room")
			for {
				select {
				case frame, ok := <-onConnect.Conn.Messages():
					if !ok {
						log.Info().Msg("room connection closed")
						return nil
					}
					log.Debug().Uint32("command", frame.Command).Int("size", len(frame.Payload)).Msg("frame")
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&page, "page", "http://play.workadventure.localhost/", "page URL the session is established for")
	cmd.Flags().StringVar(&name, "name", "roomlink", "display name")
	cmd.Flags().StringSliceVar(&layers, "layers", []string{"male1"}, "character layers")
	return cmd
}
