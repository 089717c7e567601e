package main

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/krxtrader/internal/controlplane"
)

func TestModel_RankingAndEvents(t *testing.T) {
	m := newModel("test", nil, nil)
	ts := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

	next, _ := m.Update(wsMsg{Kind: "status", Text: "1. 005930 ...", Time: ts})
	m = next.(model)
	assert.Equal(t, "1. 005930 ...", m.ranking)
	assert.Empty(t, m.events)
	assert.True(t, m.connected)

	next, _ = m.Update(wsMsg{Kind: "order", Code: "005930", Text: "submit BUY", Time: ts})
	m = next.(model)
	require.Len(t, m.events, 1)
	assert.Contains(t, m.events[0], "submit BUY")
	assert.Contains(t, m.View(), "submit BUY")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	m = next.(model)
	assert.Empty(t, m.events)
}

func TestModel_EventBufferBounded(t *testing.T) {
	m := newModel("test", nil, nil)
	for i := 0; i < maxEventLines+50; i++ {
		m.apply(controlplane.StatusMessage{Kind: "fill", Code: "A", Text: "x"})
	}
	assert.Len(t, m.events, maxEventLines)
}

func TestModel_StatusPoll(t *testing.T) {
	m := newModel("test", nil, nil)
	next, _ := m.Update(statusMsg{Day: "20260305", DeepCount: 3, Ranking: "r"})
	m = next.(model)
	assert.Equal(t, 3, m.status.DeepCount)
	assert.Equal(t, "r", m.ranking)
	assert.Contains(t, m.View(), "DEEP 3")
}
