// =============================================================================
// 文件: internal/monitor/websocket.go
// 描述: WebSocket 监控 - 向浏览器推送周期快照 (JSON)
// =============================================================================
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/tokenbus/internal/logging"
	"github.com/mrcgq/tokenbus/internal/sim"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Server 快照推送服务器
type Server struct {
	addr string
	path string
	log  *logging.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	last    []byte

	// 统计
	activeConns int64
	broadcasts  uint64
	dropped     uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewServer 创建服务器
func NewServer(addr, path string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		addr:    addr,
		path:    path,
		log:     log,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler 构建路由: path 为 WebSocket，/snapshot 返回最近一次快照
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	return mux
}

// Start 监听并服务，直到 ctx 取消
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("monitor 监听 %s 失败: %w", s.addr, err)
	}
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log.Infof("WebSocket 监控已启动: %s%s", ln.Addr(), s.path)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor 服务错误: %w", err)
	}
	return nil
}

// Broadcast 推送快照，不阻塞调用方；发送缓冲满的客户端被断开
func (s *Server) Broadcast(snap sim.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Errorf("快照序列化失败: %v", err)
		return
	}
	atomic.AddUint64(&s.broadcasts, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = data
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			atomic.AddUint64(&s.dropped, 1)
			delete(s.clients, c)
			c.close()
			s.log.Debugf("客户端过慢，已断开")
		}
	}
}

// handleWebSocket 处理 WebSocket 连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("WebSocket 升级失败: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	// 新连接先收到最近一次快照
	if s.last != nil {
		c.send <- s.last
	}
	s.mu.Unlock()
	atomic.AddInt64(&s.activeConns, 1)
	s.log.Debugf("WebSocket 连接: %s", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	if last == nil {
		http.Error(w, "尚无快照", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(last)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()
}

// readPump 只处理控制帧，客户端发来的数据被丢弃
func (s *Server) readPump(c *client) {
	defer func() {
		s.remove(c)
		c.conn.Close()
		atomic.AddInt64(&s.activeConns, -1)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("WebSocket 读取错误: %v", err)
			}
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stop 断开所有客户端并关闭服务器
func (s *Server) Stop() {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

// Clients 当前连接数
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stats 已推送快照数与因过慢被断开的客户端数
func (s *Server) Stats() (broadcasts, dropped uint64) {
	return atomic.LoadUint64(&s.broadcasts), atomic.LoadUint64(&s.dropped)
}
