package notify

import (
	"fmt"
	"testing"
)

func TestFeedPushAndDrain(t *testing.T) {
	feed := NewFeed(nil)

	feed.Push(Notice{Level: LevelSuccess, Title: "Signed out"})
	feed.Push(Notice{Level: LevelError, Title: "GitHub required"})

	notices := feed.Drain()
	if len(notices) != 2 {
		t.Fatalf("notices = %d, want 2", len(notices))
	}
	if notices[0].Title != "Signed out" || notices[1].Title != "GitHub required" {
		t.Fatalf("order wrong: %+v", notices)
	}

	if again := feed.Drain(); len(again) != 0 {
		t.Fatalf("drain not destructive: %+v", again)
	}
}

func TestFeedEvictsOldestWhenFull(t *testing.T) {
	feed := NewFeed(nil)

	for i := 0; i < defaultFeedLimit+5; i++ {
		feed.Push(Notice{Level: LevelInfo, Title: fmt.Sprintf("notice-%d", i)})
	}

	notices := feed.Drain()
	if len(notices) != defaultFeedLimit {
		t.Fatalf("notices = %d, want %d", len(notices), defaultFeedLimit)
	}
	if notices[0].Title != "notice-5" {
		t.Fatalf("oldest surviving notice = %q, want notice-5", notices[0].Title)
	}
}
