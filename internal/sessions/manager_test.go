package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/pkg/models"
)

func testManager(t *testing.T, store Store, cfg config.SessionConfig) *Manager {
	t.Helper()
	if cfg.IdleFlush == 0 {
		cfg.IdleFlush = time.Hour // keep the sweep out of the way
	}
	m := NewManager(store, cfg, nil, nil)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func userTurn(text string) models.Turn {
	return models.Turn{ID: text, Role: models.RoleUser, Content: text, CreatedAt: time.Now().UTC()}
}

func TestManager_OpenAppendHistory(t *testing.T) {
	m := testManager(t, NewMemoryStore(), config.SessionConfig{FlushThresholdMessages: 100})
	ctx := context.Background()

	h, err := m.Open(ctx, "u1", models.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(h)

	m.Append(ctx, h, userTurn("one"))
	m.Append(ctx, h, userTurn("two"))

	hist := m.History(h)
	if len(hist) != 2 || hist[0].Content != "one" || hist[1].Content != "two" {
		t.Fatalf("history = %+v", hist)
	}

	// Snapshot must be isolated from later appends.
	m.Append(ctx, h, userTurn("three"))
	if len(hist) != 2 {
		t.Error("history snapshot changed after append")
	}
}

func TestManager_ThresholdFlush(t *testing.T) {
	store := NewMemoryStore()
	m := testManager(t, store, config.SessionConfig{FlushThresholdMessages: 2})
	ctx := context.Background()

	h, _ := m.Open(ctx, "u1", models.ChannelTelegram)
	defer m.Close(h)
	m.Append(ctx, h, userTurn("one"))
	m.Append(ctx, h, userTurn("two"))

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := store.Get(ctx, "u1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("threshold flush never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, _ := store.Get(ctx, "u1")
	session, err := models.DecodeSession(rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Turns) < 2 {
		t.Errorf("flushed session has %d turns", len(session.Turns))
	}
}

func TestManager_ShutdownFlushesDirty(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, config.SessionConfig{FlushThresholdMessages: 100, IdleFlush: time.Hour}, nil, nil)
	ctx := context.Background()

	h, _ := m.Open(ctx, "u1", models.ChannelDiscord)
	m.Append(ctx, h, userTurn("unflushed"))
	m.Close(h)

	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatal("shutdown must flush dirty sessions")
	}
	session, _ := models.DecodeSession(rec)
	if len(session.Turns) != 1 || session.Turns[0].Content != "unflushed" {
		t.Errorf("flushed turns = %+v", session.Turns)
	}
}

func TestManager_IdleEvictionAndReload(t *testing.T) {
	store := NewMemoryStore()
	m := testManager(t, store, config.SessionConfig{
		FlushThresholdMessages: 100,
		MaxAge:                 10 * time.Millisecond,
	})
	ctx := context.Background()

	h, _ := m.Open(ctx, "u1", models.ChannelSlack)
	m.Append(ctx, h, userTurn("before eviction"))
	m.Close(h)

	time.Sleep(20 * time.Millisecond)
	m.sweepOnce()

	m.mu.Lock()
	_, resident := m.entries["u1"]
	m.mu.Unlock()
	if resident {
		t.Fatal("idle session should be evicted")
	}

	// Reopening loads the flushed state transparently.
	h2, err := m.Open(ctx, "u1", models.ChannelSlack)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(h2)
	hist := m.History(h2)
	if len(hist) != 1 || hist[0].Content != "before eviction" {
		t.Fatalf("reloaded history = %+v", hist)
	}
}

func TestManager_RepairsUnresolvedToolCalls(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Simulate a crash: assistant requested a tool but no result was stored.
	crashed := &models.Session{
		UserID:  "u1",
		Channel: models.ChannelTelegram,
		Turns: []models.Turn{
			{ID: "t1", Role: models.RoleUser, Content: "list files"},
			{ID: "t2", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call-9", Name: "list_directory", Input: json.RawMessage(`{}`)},
			}},
		},
	}
	rec, err := models.EncodeSession(crashed)
	if err != nil {
		t.Fatal(err)
	}
	store.Put(ctx, "u1", rec)

	m := testManager(t, store, config.SessionConfig{})
	h, err := m.Open(ctx, "u1", models.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(h)

	hist := m.History(h)
	last := hist[len(hist)-1]
	if last.Role != models.RoleTool || len(last.ToolResults) != 1 {
		t.Fatalf("expected synthetic tool result turn, got %+v", last)
	}
	tr := last.ToolResults[0]
	if tr.ToolCallID != "call-9" || tr.Kind != models.ResultTimeout || !tr.IsError {
		t.Errorf("synthetic result = %+v", tr)
	}
}

func TestManager_CorruptRecordQuarantines(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	good := &models.Session{UserID: "u1", Channel: models.ChannelTelegram,
		Turns: []models.Turn{userTurn("hello")}}
	rec, _ := models.EncodeSession(good)
	rec.Checksum = "tampered"
	store.Put(ctx, "u1", rec)

	m := testManager(t, store, config.SessionConfig{})
	h, err := m.Open(ctx, "u1", models.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(h)

	hist := m.History(h)
	if len(hist) != 0 {
		t.Error("corrupt session must start fresh")
	}
}

func TestManager_AppendsSerializedPerUser(t *testing.T) {
	m := testManager(t, NewMemoryStore(), config.SessionConfig{FlushThresholdMessages: 1000})
	ctx := context.Background()

	h, _ := m.Open(ctx, "u1", models.ChannelTelegram)
	defer m.Close(h)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				m.Append(ctx, h, userTurn("x"))
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if got := len(m.History(h)); got != 200 {
		t.Errorf("appends lost or duplicated: %d turns", got)
	}
}

func TestTrimTurns(t *testing.T) {
	turns := []models.Turn{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "a"}}},
		{Role: models.RoleUser, Content: "b"},
		{Role: models.RoleAssistant, Content: "reply"},
	}

	got := trimTurns(turns, 2, 0)
	if len(got) != 2 || got[0].Content != "b" {
		t.Fatalf("turn cap trim = %+v", got)
	}

	// A window that would open on a dangling tool result advances past it.
	got = trimTurns(turns, 3, 0)
	if len(got) != 2 || got[0].Content != "b" {
		t.Fatalf("trim must not split a tool call from its result: %+v", got)
	}

	if got := trimTurns(turns, 0, 0); len(got) != len(turns) {
		t.Error("no limits means no trim")
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir() + "/sessions.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	session := &models.Session{UserID: "u1", Channel: models.ChannelDiscord,
		Turns: []models.Turn{userTurn("persisted")}}
	rec, _ := models.EncodeSession(session)
	if err := store.Put(ctx, "u1", rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := models.DecodeSession(got)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Turns) != 1 || decoded.Turns[0].Content != "persisted" {
		t.Errorf("decoded = %+v", decoded.Turns)
	}

	ids, _ := store.List(ctx)
	if len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("list = %v", ids)
	}

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("missing session error = %v", err)
	}
}

func TestSQLiteStore_InvocationLog(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir() + "/sessions.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	inv := &models.ToolInvocation{
		CorrelationID: "corr-1",
		ToolName:      "echo",
		ToolVersion:   "1.0.0",
		ToolCallID:    "call-1",
		UserID:        "u1",
		Input:         json.RawMessage(`{"text":"hi"}`),
		Outcome:       models.OutcomeOK,
		StartedAt:     started,
		FinishedAt:    started.Add(time.Second),
	}
	if err := store.AppendInvocation(ctx, inv); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListInvocations(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("invocations = %d", len(got))
	}
	if got[0].ToolName != "echo" || got[0].Outcome != models.OutcomeOK {
		t.Errorf("invocation = %+v", got[0])
	}
}
