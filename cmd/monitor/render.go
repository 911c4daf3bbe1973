package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"stackyard/internal/domain"
)

// parseBatchPrompt turns "12-34; 7" into one order per ';' separated part.
func parseBatchPrompt(prompt string) ([]map[string]any, error) {
	var orders []map[string]any
	for _, part := range strings.Split(prompt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := domain.ParseItemList(part); err != nil {
			return nil, err
		}
		orders = append(orders, map[string]any{"content": part})
	}
	if len(orders) == 0 {
		return nil, errors.New("no items given")
	}
	return orders, nil
}

func renderOrdersTable(table *tview.Table, orders []domain.OrderRecord, selectedOrderID string) {
	table.Clear()
	headers := []string{"Order", "Status", "Car", "Target", "Updated", "Items"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, o := range orders {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(o.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(o.Status)).SetTextColor(statusColor(o.Status)))
		table.SetCell(row, 2, tview.NewTableCell(firstNonEmpty(o.AgentID, "-")))
		table.SetCell(row, 3, tview.NewTableCell(firstNonEmpty(o.Target.Label, "-")))
		table.SetCell(row, 4, tview.NewTableCell(o.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 5, tview.NewTableCell(trimLine(itemsLine(o.Items), 40)))
		if o.ID == selectedOrderID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.OrderStatus) tcell.Color {
	switch s {
	case domain.OrderStatusCompleted:
		return tcell.ColorGreen
	case domain.OrderStatusPartiallyFailed:
		return tcell.ColorYellow
	case domain.OrderStatusRejected:
		return tcell.ColorRed
	case domain.OrderStatusExecuting, domain.OrderStatusAssigning:
		return tcell.ColorAqua
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func itemsLine(items []int) string {
	parts := make([]string, 0, len(items))
	for _, id := range items {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, "-")
}

func renderCars(cars []domain.Pose) string {
	if len(cars) == 0 {
		return "No cars"
	}
	var b strings.Builder
	for _, p := range cars {
		b.WriteString(fmt.Sprintf("%s (%s) at %s  %s\n", p.AgentID, p.Label, p.Coord.Key(), p.State))
		if p.Destination != nil {
			b.WriteString("  heading to " + p.Destination.Key() + "\n")
		}
		if p.CarryingBox != 0 {
			b.WriteString(fmt.Sprintf("  carrying box %d\n", p.CarryingBox))
		}
	}
	return b.String()
}

// renderHeights draws the stack counts with the far row on top. Bays show as
// "=" and cells holding a car are highlighted.
func renderHeights(s stackSnapshot, cars []domain.Pose) string {
	if len(s.Heights) == 0 {
		return "No stacks"
	}
	bays := make(map[domain.LaneCoord]bool, len(s.Bays))
	for _, c := range s.Bays {
		bays[c] = true
	}
	occupied := make(map[domain.LaneCoord]bool, len(cars))
	for _, p := range cars {
		occupied[p.Coord] = true
	}

	var b strings.Builder
	for z := s.Depth - 1; z >= 0; z-- {
		b.WriteString(fmt.Sprintf("%2d ", z))
		for x := 0; x < s.Width; x++ {
			cell := domain.LaneCoord{X: x, Z: z}
			h := 0
			if x < len(s.Heights) && z < len(s.Heights[x]) {
				h = s.Heights[x][z]
			}
			glyph := strconv.Itoa(h)
			switch {
			case bays[cell] && h == 0:
				glyph = "="
			case h == 0:
				glyph = "."
			}
			if occupied[cell] {
				b.WriteString("[black:yellow]" + glyph + "[-:-] ")
				continue
			}
			b.WriteString(heightColor(h, s.Height) + glyph + "[-] ")
		}
		b.WriteString("\n")
	}
	b.WriteString("   ")
	for x := 0; x < s.Width; x++ {
		b.WriteString(strconv.Itoa(x%10) + " ")
	}
	b.WriteString("\n")
	return b.String()
}

func heightColor(h, top int) string {
	switch {
	case h == 0:
		return "[gray]"
	case top > 0 && h >= top:
		return "[red]"
	case top > 0 && h*2 >= top:
		return "[yellow]"
	default:
		return "[green]"
	}
}

func renderTrail(s statusSnapshot, limit int) string {
	var b strings.Builder
	state := "idle"
	if s.Executing {
		state = "executing"
	}
	b.WriteString(fmt.Sprintf("tick=%d orchestrator=%s\n", s.Tick, state))
	trail := s.Trail
	if limit > 0 && len(trail) > limit {
		trail = trail[len(trail)-limit:]
	}
	for _, line := range trail {
		b.WriteString(tview.Escape(trimLine(line, 160)) + "\n")
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
