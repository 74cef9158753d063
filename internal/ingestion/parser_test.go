package ingestion_test

import (
	"RewardLedger/internal/event"
	"RewardLedger/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
	vault = "0x00000000000000000000000000000000000000fa"
	pool  = "0x00000000000000000000000000000000000000cc"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"id":         "0xabc-1",
		"serial_id":  int64(7),
		"timestamp":  int64(1_700_000_000),
		"account":    map[string]interface{}{"owner": vault, "number": "3", "effective_user": alice},
		"market":     2,
		"amount_par": "100.5",
		"index":      map[string]interface{}{"supply": "1.02"},
	}

	evt, err := ingestion.ParseEvent(ingestion.KindDeposit, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	d, ok := evt.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", evt)
	}

	if d.IdempotencyKey() != "0xabc-1" {
		t.Errorf("id: got %s", d.IdempotencyKey())
	}
	if d.Account.Owner != common.HexToAddress(vault) {
		t.Errorf("owner: got %s", d.Account.Owner.Hex())
	}
	if d.Account.EffectiveOwner() != common.HexToAddress(alice) {
		t.Errorf("effective user: got %s", d.Account.EffectiveOwner().Hex())
	}
	if d.Account.Number.Uint64() != 3 {
		t.Errorf("account number: got %s", d.Account.Number.Dec())
	}
	if !d.AmountPar.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("amount: got %s", d.AmountPar)
	}
	if !d.Index.SupplyIndex.Equal(decimal.RequireFromString("1.02")) {
		t.Errorf("supply index: got %s", d.Index.SupplyIndex)
	}
	if !d.Index.BorrowIndex.Equal(decimal.NewFromInt(1)) {
		t.Errorf("omitted borrow index should default to 1, got %s", d.Index.BorrowIndex)
	}
	if d.Index.MarketID != 2 {
		t.Errorf("index market: got %d", d.Index.MarketID)
	}
	if d.EventType() != event.EventTypeDeposit {
		t.Errorf("event type: got %v", d.EventType())
	}
}

func TestParseWithdrawal_NegatesAmount(t *testing.T) {
	payload := map[string]interface{}{
		"id":         "w-1",
		"serial_id":  int64(1),
		"timestamp":  int64(10),
		"account":    map[string]interface{}{"owner": alice},
		"market":     0,
		"amount_par": 40,
	}

	evt, err := ingestion.ParseEvent(ingestion.KindWithdrawal, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	changes := evt.ToBalanceChanges()
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if !changes[0].Event.AmountDeltaPar.Equal(decimal.NewFromInt(-40)) {
		t.Errorf("delta: got %s, want -40", changes[0].Event.AmountDeltaPar)
	}
	if changes[0].Event.EffectiveUser != common.HexToAddress(alice) {
		t.Errorf("effective user should fall back to owner")
	}
}

func TestParseTransfer_ZeroSum(t *testing.T) {
	payload := map[string]interface{}{
		"id":         "t-1",
		"serial_id":  int64(2),
		"timestamp":  int64(10),
		"from":       map[string]interface{}{"owner": alice},
		"to":         map[string]interface{}{"owner": bob},
		"market":     1,
		"amount_par": "5",
	}

	evt, err := ingestion.ParseEvent(ingestion.KindTransfer, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	sum := decimal.Zero
	for _, c := range evt.ToBalanceChanges() {
		sum = sum.Add(c.Event.AmountDeltaPar)
	}
	if !sum.IsZero() {
		t.Errorf("transfer should net to zero, got %s", sum)
	}
}

func TestParseTrade(t *testing.T) {
	payload := map[string]interface{}{
		"id":        "tr-1",
		"serial_id": int64(3),
		"timestamp": int64(10),
		"taker":     map[string]interface{}{"owner": alice},
		"maker":     map[string]interface{}{"owner": bob},
		"taker_deltas": []map[string]interface{}{
			{"market": 0, "delta_par": "10"},
			{"market": 1, "delta_par": "-4"},
		},
	}

	evt, err := ingestion.ParseEvent(ingestion.KindTrade, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	tr, ok := evt.(*event.Trade)
	if !ok {
		t.Fatalf("expected *event.Trade, got %T", evt)
	}
	if len(tr.TakerDeltas) != 2 {
		t.Fatalf("taker deltas: got %d", len(tr.TakerDeltas))
	}
	if tr.TakerDeltas[1].Index.MarketID != 1 {
		t.Errorf("delta index market: got %d", tr.TakerDeltas[1].Index.MarketID)
	}
	if len(tr.ToBalanceChanges()) != 4 {
		t.Errorf("expected 4 balance changes, got %d", len(tr.ToBalanceChanges()))
	}
}

func TestParseTrade_RequiresDeltas(t *testing.T) {
	payload := map[string]interface{}{
		"id":        "tr-2",
		"timestamp": int64(10),
		"taker":     map[string]interface{}{"owner": alice},
		"maker":     map[string]interface{}{"owner": bob},
	}
	if _, err := ingestion.ParseEvent(ingestion.KindTrade, mustJSON(t, payload)); err == nil {
		t.Fatal("expected error for trade without deltas")
	}
}

func TestParseLiquidation(t *testing.T) {
	payload := map[string]interface{}{
		"id":        "l-1",
		"serial_id": int64(4),
		"timestamp": int64(10),
		"solid":     map[string]interface{}{"owner": alice},
		"liquid":    map[string]interface{}{"owner": bob},
		"held":      map[string]interface{}{"market": 0, "delta_par": "3"},
		"owed":      map[string]interface{}{"market": 1, "delta_par": "-2"},
	}

	evt, err := ingestion.ParseEvent(ingestion.KindLiquidation, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.EventType() != event.EventTypeLiquidation {
		t.Errorf("event type: got %v", evt.EventType())
	}
	if n := len(evt.ToBalanceChanges()); n != 4 {
		t.Errorf("expected 4 balance changes, got %d", n)
	}
}

func TestParseEvent_Rejects(t *testing.T) {
	tests := []struct {
		name string
		kind string
		data string
	}{
		{"unknown kind", "mint", `{"id":"x","timestamp":1}`},
		{"bad json", ingestion.KindDeposit, `{"id":`},
		{"missing id", ingestion.KindDeposit, `{"timestamp":1,"account":{"owner":"` + alice + `"}}`},
		{"zero timestamp", ingestion.KindDeposit, `{"id":"x","account":{"owner":"` + alice + `"}}`},
		{"missing owner", ingestion.KindDeposit, `{"id":"x","timestamp":1,"account":{}}`},
		{"bad sub-account", ingestion.KindDeposit, `{"id":"x","timestamp":1,"account":{"owner":"` + alice + `","number":"-1"}}`},
		{"bad amount", ingestion.KindDeposit, `{"id":"x","timestamp":1,"account":{"owner":"` + alice + `"},"amount_par":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ingestion.ParseEvent(tt.kind, []byte(tt.data)); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestParseSnapshot(t *testing.T) {
	abs := map[string]interface{}{
		"id":             "s-1",
		"serial_id":      int64(1),
		"timestamp":      int64(100),
		"pool":           pool,
		"effective_user": alice,
		"balance_par":    "12",
	}
	p, snap, err := ingestion.ParseSnapshot(mustJSON(t, abs))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p != common.HexToAddress(pool) {
		t.Errorf("pool: got %s", p.Hex())
	}
	if snap.Kind != event.SnapshotAbsolute || !snap.BalancePar.Equal(decimal.NewFromInt(12)) {
		t.Errorf("absolute snapshot: got kind=%d balance=%s", snap.Kind, snap.BalancePar)
	}

	delta := map[string]interface{}{
		"id":             "s-2",
		"timestamp":      int64(200),
		"pool":           pool,
		"effective_user": alice,
		"kind":           "delta",
		"delta_par":      "-2",
	}
	_, snap, err = ingestion.ParseSnapshot(mustJSON(t, delta))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if snap.Kind != event.SnapshotDelta || !snap.DeltaPar.Equal(decimal.NewFromInt(-2)) {
		t.Errorf("delta snapshot: got kind=%d delta=%s", snap.Kind, snap.DeltaPar)
	}
}

func TestParseSnapshot_Rejects(t *testing.T) {
	tests := map[string]string{
		"no balance":   `{"id":"s","timestamp":1,"pool":"` + pool + `","effective_user":"` + alice + `"}`,
		"no delta":     `{"id":"s","timestamp":1,"pool":"` + pool + `","effective_user":"` + alice + `","kind":"delta"}`,
		"unknown kind": `{"id":"s","timestamp":1,"pool":"` + pool + `","effective_user":"` + alice + `","kind":"relative","balance_par":"1"}`,
		"no pool":      `{"id":"s","timestamp":1,"effective_user":"` + alice + `","balance_par":"1"}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ingestion.ParseSnapshot([]byte(data)); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestKindFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		wantErr bool
	}{
		{"rewards.events.deposit", ingestion.KindDeposit, false},
		{"rewards.events.liquidation", ingestion.KindLiquidation, false},
		{ingestion.SnapshotSubject(common.HexToAddress(pool)), ingestion.KindSnapshot, false},
		{"rewards.events.mint", "", true},
		{"orders.fills.eth", "", true},
	}

	for _, tt := range tests {
		got, err := ingestion.KindFromSubject(tt.subject)
		if tt.wantErr {
			if !errors.Is(err, ingestion.ErrUnknownSubject) {
				t.Errorf("%s: expected ErrUnknownSubject, got %v", tt.subject, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: got %q, %v; want %q", tt.subject, got, err, tt.want)
		}
	}
}
