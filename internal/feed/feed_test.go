package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/export"
	"github.com/ahsync/ahsync/internal/store"
	"github.com/ahsync/ahsync/internal/types"
)

type fakeStats map[types.Region]int

func (f fakeStats) Stats(ctx context.Context) (map[types.Region]int, error) {
	return f, nil
}

func startServer(t *testing.T, stats StatsFunc) *Server {
	t.Helper()
	server := NewServer(&Config{Addr: "127.0.0.1:0", Stats: stats})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, read(t, ctx, conn)
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "127.0.0.1:0" {
		t.Error("Addr() should report the bound port")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeCarriesStats(t *testing.T) {
	server := startServer(t, StoreStats(fakeStats{types.RegionUS: 2, types.RegionEU: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	if welcome.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want %s", welcome.Type, MessageTypeStats)
	}
	var stats StatsData
	if err := json.Unmarshal(welcome.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	want := StatsData{Records: 3, Regions: map[string]int{"us": 2, "eu": 1}}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestOnChangeBroadcasts(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := []*websocket.Conn{}
	for i := 0; i < 3; i++ {
		conn, _ := dial(t, ctx, server)
		conns = append(conns, conn)
	}

	server.OnChange(store.Change{Key: types.NewKey(types.RegionUS, "Area 52"), Fingerprint: "abc"})

	for i, conn := range conns {
		msg := read(t, ctx, conn)
		if msg.Type != MessageTypeSnapshot {
			t.Fatalf("client %d: type = %s", i, msg.Type)
		}
		var data SnapshotData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Key != "us/area52" || data.Fingerprint != "abc" {
			t.Errorf("client %d: data = %+v", i, data)
		}
	}
}

func TestOnExport(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	res := &export.Result{
		Path:         "/wow/AppData.lua",
		Keys:         []types.Key{types.NewKey(types.RegionUS, "Illidan")},
		Warnings:     []error{errs.E("export", errs.ErrUnmappedRealm, "us/illidan", "", nil)},
		DownloadTime: 1700000100,
		Bytes:        321,
	}
	server.OnExport(res.Path, res, nil)
	server.OnExport("/wow/AppData.lua", nil, errors.New("disk full"))

	var ok, failed ExportData
	if err := json.Unmarshal(read(t, ctx, conn).Data, &ok); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(read(t, ctx, conn).Data, &failed); err != nil {
		t.Fatal(err)
	}

	if ok.Path != res.Path || ok.Bytes != 321 || ok.DownloadTime != 1700000100 ||
		len(ok.Keys) != 1 || ok.Keys[0] != "us/illidan" || len(ok.Warnings) != 1 || ok.Error != "" {
		t.Errorf("success data = %+v", ok)
	}
	if failed.Error != "disk full" || failed.Path != "/wow/AppData.lua" {
		t.Errorf("failure data = %+v", failed)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t, nil)

	res, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer res.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}
