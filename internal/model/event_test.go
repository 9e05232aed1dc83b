package model

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{"42", "42", true},
		{"123456789012345678901234567890", "123456789012345678901234567890", true},
		{"-5", "", false},
		{"1.5", "", false},
		{"0x10", "", false},
		{" 12", "", false},
		{"twelve", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseDecimal(tc.in)
		if ok != tc.ok {
			t.Errorf("ParseDecimal(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && got.String() != tc.want {
			t.Errorf("ParseDecimal(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestDecimal(t *testing.T) {
	if got := Decimal(nil); got != "0" {
		t.Errorf("Decimal(nil) = %q", got)
	}
	big1, _ := new(big.Int).SetString("987654321098765432109876543210", 10)
	if got := Decimal(big1); got != "987654321098765432109876543210" {
		t.Errorf("Decimal() = %q", got)
	}
}

func TestEventJSONOmitsUnsetFields(t *testing.T) {
	ev := Event{
		Seq:       1,
		Kind:      KindPoolCreated,
		PoolID:    7,
		Actor:     "0x00000000000000000000000000000000000000aa",
		EmittedAt: time.Now().UTC(),
		Asset:     "native",
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, absent := range []string{"contributor", "amount", "received", "target", "spent", "success", "paid", "residue", "recipients"} {
		if strings.Contains(string(data), `"`+absent+`"`) {
			t.Errorf("pool_created carries %q: %s", absent, data)
		}
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Seq != ev.Seq || back.Kind != ev.Kind || back.PoolID != ev.PoolID || back.Actor != ev.Actor {
		t.Fatalf("round-trip changed identity fields: %+v", back)
	}
	if !back.EmittedAt.Equal(ev.EmittedAt) {
		t.Fatalf("round-trip changed time: %v != %v", back.EmittedAt, ev.EmittedAt)
	}
}

func TestEventJSONKeepsDistributionFields(t *testing.T) {
	ev := Event{
		Seq:        9,
		Kind:       KindDistributed,
		PoolID:     2,
		Actor:      "0x00000000000000000000000000000000000000bb",
		EmittedAt:  time.Now().UTC(),
		Asset:      "native",
		Paid:       "99",
		Residue:    "1",
		Recipients: 3,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Paid != "99" || back.Residue != "1" || back.Recipients != 3 {
		t.Fatalf("round-trip lost distribution fields: %+v", back)
	}
}
