package md

import "testing"

func TestQuoteMid(t *testing.T) {
	q := Quote{Bid: 10.45, Ask: 10.55}
	if got := q.Mid(); got < 10.4999 || got > 10.5001 {
		t.Fatalf("expected mid 10.5, got %v", got)
	}
	if got := (Quote{Bid: 0, Ask: 10}).Mid(); got != 0 {
		t.Fatalf("expected 0 mid for one-sided quote, got %v", got)
	}
}

func TestClosesAndVolumes(t *testing.T) {
	bars := []Bar{{Close: 1, Volume: 10}, {Close: 2, Volume: 20}}
	closes := Closes(bars)
	volumes := Volumes(bars)
	if closes[1] != 2 || volumes[0] != 10 {
		t.Fatalf("unexpected extraction %v %v", closes, volumes)
	}
}
