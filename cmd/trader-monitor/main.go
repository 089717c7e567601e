package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-resty/resty/v2"
	gorillaWS "github.com/gorilla/websocket"

	"github.com/betbot/krxtrader/internal/controlplane"
)

// streamStatus 连接 /ws/status 并把消息转成 tea.Msg，断线后按退避重连
func streamStatus(ctx context.Context, addr string, out chan<- tea.Msg) {
	defer close(out)
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws/status"}
	backoff := time.Second

	send := func(msg tea.Msg) bool {
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ctx.Err() == nil {
		conn, _, err := gorillaWS.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if !send(connMsg{connected: false, err: err}) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		if !send(connMsg{connected: true}) {
			conn.Close()
			return
		}

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-stop:
			}
		}()
		for {
			var msg controlplane.StatusMessage
			_, data, err := conn.ReadMessage()
			if err != nil {
				send(connMsg{connected: false, err: err})
				break
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if !send(wsMsg(msg)) {
				break
			}
		}
		close(stop)
		conn.Close()
	}
}

// statusPoller 轮询 /api/status
func statusPoller(addr string) func() tea.Msg {
	client := resty.New().
		SetBaseURL("http://" + addr).
		SetTimeout(3 * time.Second)
	return func() tea.Msg {
		var st controlplane.Status
		resp, err := client.R().SetResult(&st).Get("/api/status")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("status: http %d", resp.StatusCode())
		}
		return statusMsg(st)
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8090", "交易服务查询地址 host:port")
	flag.Parse()

	if len(os.Getenv("DEBUG")) > 0 {
		f, err := tea.LogToFile("monitor-debug.log", "debug")
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := make(chan tea.Msg, 256)
	go streamStatus(ctx, *addr, stream)

	p := tea.NewProgram(newModel(*addr, stream, statusPoller(*addr)), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("运行程序失败: %v", err)
	}
}
