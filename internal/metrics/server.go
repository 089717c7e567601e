package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Mount 把 expvar 和 pprof 挂到 gin 路由上：
// - expvar: /debug/vars
// - pprof:  /debug/pprof
// 建议仅监听 localhost 或内网。
func Mount(r gin.IRouter) {
	dbg := r.Group("/debug")
	dbg.GET("/vars", gin.WrapH(expvar.Handler()))
	dbg.Any("/pprof/*name", func(c *gin.Context) {
		switch strings.TrimPrefix(c.Param("name"), "/") {
		case "cmdline":
			pprof.Cmdline(c.Writer, c.Request)
		case "profile":
			pprof.Profile(c.Writer, c.Request)
		case "symbol":
			pprof.Symbol(c.Writer, c.Request)
		case "trace":
			pprof.Trace(c.Writer, c.Request)
		default:
			// 索引页和 heap/goroutine 等命名 profile
			pprof.Index(c.Writer, c.Request)
		}
	})
}

// StartAsync 非阻塞启动 HTTP 服务，并在 ctx.Done() 时优雅关闭。
// 返回实际监听地址（listenAddr 端口为 0 时有用）。
func StartAsync(ctx context.Context, listenAddr string, h http.Handler, onErr func(error)) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", err
	}
	s := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && onErr != nil {
			onErr(err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	return ln.Addr().String(), nil
}
