package entities

import "testing"

func TestTruckTypeKey(t *testing.T) {
	cases := []struct {
		vehicleType string
		subtype     string
		want        string
	}{
		{"Open", "17ft", "open_17ft"},
		{"open", "17FT", "open_17ft"},
		{"Container", "20 ft sxl", "container_20_ft_sxl"},
		{"Open", "", "open"},
		{"  Trailer  ", " 40ft ", "trailer_40ft"},
	}
	for _, c := range cases {
		if got := TruckTypeKey(c.vehicleType, c.subtype); got != c.want {
			t.Fatalf("TruckTypeKey(%q, %q) = %q, want %q", c.vehicleType, c.subtype, got, c.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []BookingStatus{StatusFullyFilled, StatusExpired, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if s.Cancellable() {
			t.Fatalf("%s must not be cancellable", s)
		}
	}
	open := []BookingStatus{StatusCreated, StatusBroadcasting, StatusActive, StatusPartiallyFilled}
	for _, s := range open {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
		if !s.Cancellable() {
			t.Fatalf("%s should be cancellable", s)
		}
	}
}

func TestTrucksRemainingClamps(t *testing.T) {
	b := Booking{TrucksNeeded: 3, TrucksFilled: 1}
	if b.TrucksRemaining() != 2 {
		t.Fatalf("expected 2 remaining, got %d", b.TrucksRemaining())
	}
	b.TrucksFilled = 5
	if b.TrucksRemaining() != 0 {
		t.Fatalf("overfilled booking must clamp to 0, got %d", b.TrucksRemaining())
	}
}
