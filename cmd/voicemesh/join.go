package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

const leaveTimeout = 5 * time.Second

var flagJoinMuted bool

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and stay until interrupted",
	Long: `Join a room and keep the audio mesh running until Ctrl+C.

Commands on stdin:
  m   toggle mute
  r   print the roster
  q   leave and quit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(cmd.Context(), domain.RoomID(args[0]))
	},
}

func init() {
	joinCmd.Flags().BoolVar(&flagJoinMuted, "muted", false, "join with the microphone muted")
}

func joinRoom(parent context.Context, room domain.RoomID) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx, true)
	if err != nil {
		return err
	}
	// Leave even when interrupted so other participants see us go.
	defer func() {
		lctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := c.Close(lctx); err != nil {
			log.Warn().Err(err).Msg("leave on exit")
		}
	}()

	self, err := c.Self(ctx)
	if err != nil {
		return err
	}
	if flagJoinMuted {
		if err := c.SetMuted(ctx, true); err != nil {
			return err
		}
	}
	if err := c.Join(ctx, room); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("joined "+string(room)) + mutedStyle.Render(" as "+string(self)+"  (m: mute, r: roster, q: quit)"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Tracker().Run(gctx) })
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-c.Events():
				fmt.Println(eventLine(ev))
			}
		}
	})

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-gctx.Done()
					return nil
				}
				if quit := handleCommand(gctx, c, self, line); quit {
					stop()
					return nil
				}
			}
		}
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func handleCommand(ctx context.Context, c *client, self domain.ParticipantID, line string) bool {
	switch line {
	case "m":
		muted, err := c.ToggleMute(ctx)
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
			return false
		}
		if muted {
			fmt.Println(warningStyle.Render("muted"))
		} else {
			fmt.Println(successStyle.Render("unmuted"))
		}
	case "r":
		room, ok := c.Current()
		if !ok {
			fmt.Println(mutedStyle.Render("not in a room"))
			return false
		}
		peers, err := c.Peers(ctx)
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
			return false
		}
		fmt.Println(rosterView(self, c.Roster(room), peers, c.playback.Stats()))
	case "q":
		return true
	case "":
	default:
		fmt.Println(mutedStyle.Render("unknown command " + line))
	}
	return false
}
