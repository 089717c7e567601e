package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/betbot/krxtrader/internal/controlplane"
)

const maxEventLines = 200

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	upStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // 国内行情红涨
	downStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// wsMsg 状态流消息
type wsMsg controlplane.StatusMessage

// statusMsg /api/status 轮询结果
type statusMsg controlplane.Status

// connMsg 连接状态变化
type connMsg struct {
	connected bool
	err       error
}

type tickMsg time.Time

type model struct {
	addr string

	connected bool
	err       error

	status  controlplane.Status
	ranking string
	events  []string

	width  int
	height int

	stream <-chan tea.Msg
	poll   func() tea.Msg
}

func newModel(addr string, stream <-chan tea.Msg, poll func() tea.Msg) model {
	return model{addr: addr, stream: stream, poll: poll}
}

func waitStream(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return connMsg{connected: false}
		}
		return msg
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{tickCmd(), waitStream(m.stream)}
	if m.poll != nil {
		cmds = append(cmds, m.poll)
	}
	return tea.Batch(cmds...)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			m.events = nil
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tickMsg:
		if m.poll == nil {
			return m, tickCmd()
		}
		return m, tea.Batch(tickCmd(), m.poll)

	case statusMsg:
		m.status = controlplane.Status(msg)
		if m.ranking == "" {
			m.ranking = msg.Ranking
		}
		return m, nil

	case connMsg:
		m.connected = msg.connected
		m.err = msg.err
		return m, waitStream(m.stream)

	case wsMsg:
		m.connected = true
		m.apply(controlplane.StatusMessage(msg))
		return m, waitStream(m.stream)

	case error:
		m.err = msg
		return m, nil
	}
	return m, nil
}

// apply 无代码的状态行是成交额排行，其余进入事件列表
func (m *model) apply(msg controlplane.StatusMessage) {
	if msg.Kind == "status" && msg.Code == "" {
		m.ranking = msg.Text
		return
	}
	line := fmt.Sprintf("%s %-6s %s", msg.Time.Format("15:04:05.000"), msg.Kind, msg.Text)
	m.events = append(m.events, line)
	if over := len(m.events) - maxEventLines; over > 0 {
		m.events = append([]string(nil), m.events[over:]...)
	}
}

func (m model) View() string {
	var b strings.Builder

	conn := downStyle.Render("● 未连接")
	if m.connected {
		conn = upStyle.Render("● 已连接")
	}
	b.WriteString(headerStyle.Render(" KRX Trader Monitor ") + "  " + conn + "  " + dimStyle.Render(m.addr))
	b.WriteString("\n\n")

	st := m.status
	pnl := fmt.Sprintf("%d", st.Realized+st.Unrealized)
	if st.Realized+st.Unrealized >= 0 {
		pnl = upStyle.Render("+" + pnl)
	} else {
		pnl = downStyle.Render(pnl)
	}
	halted := ""
	if st.TradingHalted {
		halted = downStyle.Render("  [熔断]")
	}
	summary := fmt.Sprintf("交易日 %s  DEEP %d  挂单 %d  持仓 %d  盈亏 %s  网关积压 %d  丢弃 %d%s",
		st.Day, st.DeepCount, st.PendingOrders, st.OpenPositions, pnl, st.GatewayBacklog, st.DroppedTicks, halted)
	b.WriteString(summary)
	b.WriteString("\n\n")

	ranking := m.ranking
	if ranking == "" {
		ranking = dimStyle.Render("等待排行数据...")
	}
	b.WriteString(borderStyle.Render(titleStyle.Render("成交额排行") + "\n" + ranking))
	b.WriteString("\n")

	rows := 15
	if m.height > 0 {
		rows = max(5, m.height-lipgloss.Height(b.String())-4)
	}
	start := max(0, len(m.events)-rows)
	body := strings.Join(m.events[start:], "\n")
	if body == "" {
		body = dimStyle.Render("暂无事件")
	}
	b.WriteString(borderStyle.Render(titleStyle.Render("事件") + "\n" + body))

	if m.err != nil {
		b.WriteString("\n" + downStyle.Render("错误: "+m.err.Error()))
	}
	b.WriteString("\n" + dimStyle.Render("q 退出  c 清空事件"))
	return b.String()
}
