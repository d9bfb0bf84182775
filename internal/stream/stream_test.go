package stream

import "testing"

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(2)
	for tick := uint64(1); tick <= 5; tick++ {
		b.Publish(Fact{Kind: KindQuote, Tick: tick})
	}
	if got := sub.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	first, second := <-sub.C, <-sub.C
	if first.Tick != 4 || second.Tick != 5 {
		t.Errorf("buffer holds ticks %d,%d, want 4,5", first.Tick, second.Tick)
	}
	if b.Dropped() != 3 {
		t.Errorf("broadcaster dropped = %d", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(4)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Error("channel still open after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Errorf("subscribers = %d", b.Subscribers())
	}
	// Publishing with no subscribers must not block or panic.
	b.Publish(Fact{Kind: KindTrade, Tick: 1})
}

func TestRecentKeepsNewest(t *testing.T) {
	b := NewBroadcaster()
	for tick := uint64(1); tick <= recentSize+10; tick++ {
		b.Publish(Fact{Kind: KindEvent, Tick: tick})
	}
	all := b.Recent(0)
	if len(all) != recentSize || all[0].Tick != 11 {
		t.Fatalf("recent: len %d first %d", len(all), all[0].Tick)
	}
	last := b.Recent(3)
	if len(last) != 3 || last[2].Tick != recentSize+10 {
		t.Errorf("Recent(3) = %+v", last)
	}
}
