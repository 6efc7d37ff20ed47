package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

func event(i int, level protocol.ConsoleLevel) protocol.ConsoleEvent {
	return protocol.ConsoleEvent{ID: fmt.Sprint(i), Timestamp: int64(i), Level: level, Args: []any{i}}
}

func TestBufferKeepsMostRecent(t *testing.T) {
	buf := NewBuffer(DefaultCapacity)
	for i := 0; i < 1000; i++ {
		buf.Append(event(i, protocol.LevelLog))
	}

	assert.Equal(t, 200, buf.Len())
	events := buf.Snapshot()
	require.Len(t, events, 200)
	assert.Equal(t, "800", events[0].ID)
	assert.Equal(t, "999", events[199].ID)

	st := buf.Stats()
	assert.Equal(t, 800, st.Dropped)
	assert.Equal(t, int64(999), st.LastEventAt)
}

func TestBufferDrain(t *testing.T) {
	buf := NewBuffer(3)
	buf.Append(event(1, protocol.LevelLog), event(2, protocol.LevelError))

	drained := buf.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.Drain())

	buf.Append(event(3, protocol.LevelWarn))
	assert.Equal(t, "3", buf.Snapshot()[0].ID)
}

func TestBufferStatsCountsErrors(t *testing.T) {
	buf := NewBuffer(4)
	buf.Append(event(1, protocol.LevelError), event(2, protocol.LevelLog), event(3, protocol.LevelError))

	st := buf.Stats()
	assert.Equal(t, 3, st.Buffered)
	assert.Equal(t, 2, st.Errors)
}

func TestBufferConcurrentAppend(t *testing.T) {
	buf := NewBuffer(50)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Append(event(g*100+i, protocol.LevelInfo))
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 50, buf.Len())
}

func TestNewEventSanitizesArgs(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	ev := NewEvent(protocol.LevelWarn, []any{"hello", errors.New("boom")}, now)

	assert.Equal(t, protocol.LevelWarn, ev.Level)
	assert.Equal(t, now.UnixMilli(), ev.Timestamp)
	assert.True(t, strings.HasPrefix(ev.ID, "warn-"))
	assert.Equal(t, "hello", ev.Args[0])
	assert.Equal(t, "boom", ev.Args[1].(map[string]any)["message"])
}

type node struct {
	Name     string  `json:"name"`
	Next     *node   `json:"next"`
	Children []*node `json:"children,omitempty"`
	secret   string
}

func TestSanitizeCycles(t *testing.T) {
	a := &node{Name: "a", secret: "hidden"}
	b := &node{Name: "b", Next: a}
	a.Next = b

	out := Sanitize(a).(map[string]any)
	assert.Equal(t, "a", out["name"])
	assert.NotContains(t, out, "secret")
	next := out["next"].(map[string]any)
	assert.Equal(t, "b", next["name"])
	assert.Equal(t, CircularPlaceholder, next["next"])

	m := map[string]any{"k": 1}
	m["self"] = m
	sm := Sanitize(m).(map[string]any)
	assert.Equal(t, CircularPlaceholder, sm["self"])
}

func TestSanitizeSharedReferenceIsNotCircular(t *testing.T) {
	leaf := &node{Name: "leaf"}
	root := &node{Name: "root", Children: []*node{leaf, leaf}}

	out := Sanitize(root).(map[string]any)
	children := out["children"].([]any)
	assert.Equal(t, "leaf", children[0].(map[string]any)["name"])
	assert.Equal(t, "leaf", children[1].(map[string]any)["name"])
}

func TestSanitizeDepthAndSize(t *testing.T) {
	var deep any = "bottom"
	for i := 0; i < 20; i++ {
		deep = []any{deep}
	}
	out := Sanitize(deep)
	for i := 0; i < MaxDepth; i++ {
		out = out.([]any)[0]
	}
	assert.Equal(t, DepthPlaceholder, out)

	big := make([]int, MaxEntries+5)
	list := Sanitize(big).([]any)
	assert.Len(t, list, MaxEntries+1)
	assert.Equal(t, "[+5 more]", list[MaxEntries])

	long := strings.Repeat("x", MaxStringSize+10)
	assert.True(t, strings.HasSuffix(Sanitize(long).(string), "[truncated 10 bytes]"))
}

func TestSanitizeBoundsSharedFanOut(t *testing.T) {
	leaf := make(map[string]any, MaxEntries)
	for i := 0; i < MaxEntries; i++ {
		leaf[fmt.Sprint("k", i)] = i
	}
	inner := make([]any, MaxEntries)
	for i := range inner {
		inner[i] = leaf
	}
	middle := make([]any, MaxEntries)
	for i := range middle {
		middle[i] = inner
	}
	outer := make([]any, MaxEntries)
	for i := range outer {
		outer[i] = middle
	}

	done := make(chan any, 1)
	go func() { done <- Sanitize(outer) }()

	var out any
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sanitizing a shared fan-out did not finish")
	}

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), TruncatedPlaceholder)
}

func TestSanitizeNonFiniteFloats(t *testing.T) {
	out := Sanitize([]any{math.NaN(), math.Inf(1), float32(math.Inf(-1)), 1.5}).([]any)
	assert.Equal(t, []any{nil, nil, nil, 1.5}, out)

	_, err := json.Marshal(out)
	assert.NoError(t, err)
}

func TestSanitizeTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("x", MaxStringSize-1) + "é" + "tail"
	out := Sanitize(long).(string)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, strings.Repeat("x", MaxStringSize-1)+"..."))
	assert.True(t, strings.HasSuffix(out, "[truncated 6 bytes]"))
}

func TestSanitizeUnserializable(t *testing.T) {
	out := Sanitize(map[string]any{
		"fn":   func() {},
		"ch":   make(chan int),
		"when": time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"raw":  json.RawMessage(`{"a":[1,2]}`),
	}).(map[string]any)

	assert.Contains(t, out["fn"], "[Unserializable")
	assert.Contains(t, out["ch"], "[Unserializable")
	assert.Equal(t, "2024-01-02T03:04:05Z", out["when"])
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, out["raw"])

	_, err := json.Marshal(out)
	assert.NoError(t, err)
}

func TestCaptureCollectsWhileOpen(t *testing.T) {
	c := NewCapture()
	c.Observe(event(0, protocol.LevelLog))

	stop := c.Start()
	c.Observe(event(1, protocol.LevelLog))
	c.Observe(event(2, protocol.LevelError))
	got := stop()
	c.Observe(event(3, protocol.LevelLog))

	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}
