package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dkeye/VoiceMesh/internal/adapters/audio"
	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")

	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(failure).Bold(true)
)

func render(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

func roomsView(rooms []domain.Room) string {
	if len(rooms) == 0 {
		return mutedStyle.Render("No active rooms")
	}
	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		rows = append(rows, []string{string(r.ID), string(r.Name), string(r.CreatedBy), r.CreatedAt.Local().Format("2006-01-02 15:04")})
	}
	return render([]string{"ID", "Name", "Created by", "Created"}, rows)
}

func rosterView(self domain.ParticipantID, entries []domain.RosterEntry, peers []mesh.PeerInfo, stats map[domain.ParticipantID]audio.PeerStats) string {
	state := make(map[domain.ParticipantID]string, len(peers))
	for _, p := range peers {
		state[p.Remote] = p.State
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = string(e.ParticipantID)
		}
		mic := "on"
		if e.Muted {
			mic = "muted"
		}
		link := state[e.ParticipantID]
		if e.ParticipantID == self {
			name += " (you)"
			link = "-"
		} else if link == "" {
			link = "pending"
		}
		packets := ""
		if st, ok := stats[e.ParticipantID]; ok {
			packets = fmt.Sprintf("%d", st.Packets)
		}
		rows = append(rows, []string{name, mic, link, packets})
	}
	return render([]string{"Participant", "Mic", "Link", "Packets"}, rows)
}

func eventLine(ev mesh.Event) string {
	switch ev.Kind {
	case mesh.EventPeerConnected:
		return successStyle.Render("connected to " + string(ev.Peer))
	case mesh.EventPeerDisconnected:
		return mutedStyle.Render(string(ev.Peer) + " left")
	case mesh.EventPeerRetry:
		return warningStyle.Render("retrying " + string(ev.Peer))
	case mesh.EventPeerDegraded:
		return errorStyle.Render("cannot reach " + string(ev.Peer))
	case mesh.EventError:
		return errorStyle.Render(ev.String())
	default:
		return mutedStyle.Render(ev.String())
	}
}
