package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arbwatch/internal/alerting"
)

const testKey = "polygon:0x8bc8e9f621ee8babda8dc0e6fc991aaf9bf8510b:LINK/USDC"

func sampleState() alerting.State {
	return alerting.State{
		LastSentAt:          time.Unix(1_700_000_000, 0).UTC(),
		LastSentProfitPct:   decimal.RequireFromString("1.2345"),
		LastAMMPrice:        decimal.RequireFromString("15.1"),
		LastAggregatorPrice: decimal.RequireFromString("15.29"),
		LastDirection:       "BUY_AMM_SELL_AGGREGATOR",
	}
}

func assertSameState(t *testing.T, got, want alerting.State) {
	t.Helper()
	if !got.LastSentAt.Equal(want.LastSentAt) {
		t.Fatalf("lastSentAt %v != %v", got.LastSentAt, want.LastSentAt)
	}
	if !got.LastSentProfitPct.Equal(want.LastSentProfitPct) {
		t.Fatalf("lastSentProfitPct %s != %s", got.LastSentProfitPct, want.LastSentProfitPct)
	}
	if !got.LastAMMPrice.Equal(want.LastAMMPrice) || !got.LastAggregatorPrice.Equal(want.LastAggregatorPrice) {
		t.Fatalf("prices differ: %+v vs %+v", got, want)
	}
	if got.LastDirection != want.LastDirection {
		t.Fatalf("direction %q != %q", got.LastDirection, want.LastDirection)
	}
}

func TestRecordWireFormat(t *testing.T) {
	body, err := json.Marshal(FromState(sampleState()))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `"lastSentAt":1700000000`) || !strings.Contains(text, `"lastSentProfitPct":1.2345`) {
		t.Fatalf("unexpected wire format: %s", text)
	}
}

func TestFileMissingReturnsInitial(t *testing.T) {
	store := NewFile(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	st, err := store.Load(context.Background(), testKey)
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if !st.NeverSent() {
		t.Fatalf("expected initial state, got %+v", st)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFile(path, zerolog.Nop())
	ctx := context.Background()

	if err := store.Save(ctx, testKey, sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened := NewFile(path, zerolog.Nop())
	st, err := reopened.Load(ctx, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSameState(t, st, sampleState())

	other, err := reopened.Load(ctx, "other")
	if err != nil || !other.NeverSent() {
		t.Fatalf("unknown key should be initial state, got %+v err=%v", other, err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestFileKeepsOtherPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFile(path, zerolog.Nop())
	ctx := context.Background()

	first := sampleState()
	second := sampleState()
	second.LastSentProfitPct = decimal.RequireFromString("3")

	if err := store.Save(ctx, "a", first); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.Save(ctx, "b", second); err != nil {
		t.Fatalf("save b: %v", err)
	}

	got, _ := store.Load(ctx, "a")
	assertSameState(t, got, first)
	got, _ = store.Load(ctx, "b")
	assertSameState(t, got, second)
}

func TestFileCorruptReturnsInitial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewFile(path, zerolog.Nop())
	st, err := store.Load(context.Background(), testKey)
	if err != nil || !st.NeverSent() {
		t.Fatalf("corrupt file should load initial state, got %+v err=%v", st, err)
	}

	doc := `{"pairs":{"` + testKey + `":{"lastSentAt":"yesterday"}}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st, err = store.Load(context.Background(), testKey)
	if err != nil || !st.NeverSent() {
		t.Fatalf("corrupt record should load initial state, got %+v err=%v", st, err)
	}
}

func TestFileReadsLegacyMinimalRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{"pairs":{"` + testKey + `":{"lastSentAt":300,"lastSentProfitPct":1.3}},"meta":{}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st, err := NewFile(path, zerolog.Nop()).Load(context.Background(), testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.LastSentAt.Unix() != 300 || !st.LastSentProfitPct.Equal(decimal.RequireFromString("1.3")) {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestFileReadsJavaScriptBotRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{"pairs":{"` + testKey + `":{"lastSentAt":1700000000,"lastSentProfit":1.42,"lastSushi":15.1,"lastOdos":15.31}},"meta":{}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st, err := NewFile(path, zerolog.Nop()).Load(context.Background(), testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.NeverSent() || !st.LastSentProfitPct.Equal(decimal.RequireFromString("1.42")) {
		t.Fatalf("lastSentProfit should be honoured, got %+v", st)
	}
	if !st.LastAMMPrice.Equal(decimal.RequireFromString("15.1")) || !st.LastAggregatorPrice.Equal(decimal.RequireFromString("15.31")) {
		t.Fatalf("legacy prices should be honoured, got %+v", st)
	}

	body, err := json.Marshal(FromState(st))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), "lastSentProfit\"") {
		t.Fatalf("legacy names must not be written back: %s", body)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	st, _ := m.Load(ctx, testKey)
	if !st.NeverSent() {
		t.Fatal("empty memory store should return initial state")
	}
	_ = m.Save(ctx, testKey, sampleState())
	st, _ = m.Load(ctx, testKey)
	assertSameState(t, st, sampleState())
}

type fakeObjects struct {
	objects map[string][]byte
	getErr  error
}

func (f *fakeObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3RoundTrip(t *testing.T) {
	api := &fakeObjects{objects: make(map[string][]byte)}
	store := newS3(api, "bucket", "", zerolog.Nop())
	ctx := context.Background()

	st, err := store.Load(ctx, testKey)
	if err != nil || !st.NeverSent() {
		t.Fatalf("missing object should be initial state, got %+v err=%v", st, err)
	}

	if err := store.Save(ctx, testKey, sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok := api.objects["arbwatch/state/polygon:0x8bc8e9f621ee8babda8dc0e6fc991aaf9bf8510b:LINK_USDC.json"]; !ok {
		t.Fatalf("unexpected object keys: %v", api.objects)
	}

	st, err = store.Load(ctx, testKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSameState(t, st, sampleState())
}

func TestS3TransportErrorPropagates(t *testing.T) {
	api := &fakeObjects{objects: map[string][]byte{}, getErr: errors.New("connection reset")}
	store := newS3(api, "bucket", "", zerolog.Nop())
	if _, err := store.Load(context.Background(), testKey); err == nil {
		t.Fatal("transport errors must not be mistaken for missing state")
	}
}
