package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	Aliases: []string{"ls"},
	Short:   "List active rooms, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close(cmd.Context())

		rooms, err := c.Rooms(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(roomsView(rooms))
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a room",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close(cmd.Context())

		room, err := c.CreateRoom(cmd.Context(), domain.RoomName(strings.Join(args, " ")))
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render("room created: ") + string(room.ID))
		return nil
	},
}
