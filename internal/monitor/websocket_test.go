package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/tokenbus/internal/sim"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) sim.Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	var snap sim.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	return snap
}

func testSnapshot(at float64) sim.Snapshot {
	return sim.Snapshot{
		Time: at,
		Stations: []sim.StationSnapshot{
			{StationStats: sim.StationStats{ID: 0, Distances: []float64{0.2, 0.4, 0.3}}, State: "Idle"},
			{StationStats: sim.StationStats{ID: 1}, State: "Passing", HasToken: true, LastOwned: 7},
		},
		Channel: sim.ChannelStats{Sent: 10, Delivered: 18},
	}
}

func TestBroadcast(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/ws", nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop()

	t.Run("推送到已连接客户端", func(t *testing.T) {
		conn := dial(t, ts)
		defer conn.Close()
		waitFor(t, "客户端注册", func() bool { return s.Clients() == 1 })

		s.Broadcast(testSnapshot(12.5))
		snap := readSnapshot(t, conn)
		if snap.Time != 12.5 {
			t.Errorf("时间不匹配: got %v, want 12.5", snap.Time)
		}
		if len(snap.Stations) != 2 || !snap.Stations[1].HasToken || snap.Stations[1].LastOwned != 7 {
			t.Errorf("站点不匹配: %+v", snap.Stations)
		}
		if got := snap.Stations[0].Distances; len(got) != 3 || got[2] != 0.3 {
			t.Errorf("距离不匹配: %v", got)
		}
		if snap.Channel.Delivered != 18 {
			t.Errorf("信道计数不匹配: got %d, want 18", snap.Channel.Delivered)
		}
	})

	t.Run("新连接先收到最近快照", func(t *testing.T) {
		s.Broadcast(testSnapshot(20))
		conn := dial(t, ts)
		defer conn.Close()

		if snap := readSnapshot(t, conn); snap.Time != 20 {
			t.Errorf("时间不匹配: got %v, want 20", snap.Time)
		}
	})

	t.Run("断开后注销", func(t *testing.T) {
		waitFor(t, "前面的客户端注销", func() bool { return s.Clients() == 0 })
		conn := dial(t, ts)
		waitFor(t, "客户端注册", func() bool { return s.Clients() == 1 })
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		waitFor(t, "客户端注销", func() bool { return s.Clients() == 0 })
	})

	if b, _ := s.Stats(); b != 2 {
		t.Errorf("推送次数不匹配: got %d, want 2", b)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/ws", nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/snapshot")
	if err != nil {
		t.Fatalf("GET 失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("无快照时状态码不匹配: got %d, want 404", resp.StatusCode)
	}

	s.Broadcast(testSnapshot(3))
	resp, err = http.Get(ts.URL + "/snapshot")
	if err != nil {
		t.Fatalf("GET 失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("状态码不匹配: got %d", resp.StatusCode)
	}
	var snap sim.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if snap.Time != 3 {
		t.Errorf("时间不匹配: got %v, want 3", snap.Time)
	}
}

func TestSlowClientDropped(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/ws", nil)
	c := &client{send: make(chan []byte, 1)}
	s.clients[c] = struct{}{}

	s.Broadcast(testSnapshot(1))
	s.Broadcast(testSnapshot(2))

	if s.Clients() != 0 {
		t.Errorf("缓冲满的客户端应被移除: %d", s.Clients())
	}
	if _, dropped := s.Stats(); dropped != 1 {
		t.Errorf("断开计数不匹配: got %d, want 1", dropped)
	}
	if _, ok := <-c.send; !ok {
		t.Error("应先收到第一条快照")
	}
	if _, ok := <-c.send; ok {
		t.Error("发送通道应已关闭")
	}
}
