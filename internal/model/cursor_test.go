package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSyncCursor_CloneIsDeep(t *testing.T) {
	// Arrange
	orig := NewSyncCursor()
	orig.Threads[100] = ThreadCursor{LastPostID: 103, LastModified: 5, KnownPostIDs: []int64{100, 101, 103}}

	// Act
	clone := orig.Clone()
	tc := clone.Threads[100]
	tc.KnownPostIDs[0] = 999
	tc.LastPostID = 1
	clone.Threads[100] = tc
	clone.Threads[200] = ThreadCursor{LastPostID: 200}

	// Assert
	want := ThreadCursor{LastPostID: 103, LastModified: 5, KnownPostIDs: []int64{100, 101, 103}}
	if diff := cmp.Diff(want, orig.Threads[100]); diff != "" {
		t.Errorf("Clone後の変更が元のカーソルに影響しています (-want +got):\n%s", diff)
	}
	if _, ok := orig.Threads[200]; ok {
		t.Error("Clone後に追加したスレッドが元のカーソルに存在します。")
	}
}

func TestSyncCursor_NilClone(t *testing.T) {
	var c *SyncCursor
	clone := c.Clone()
	if clone == nil || clone.Threads == nil {
		t.Fatal("nilカーソルのCloneは空のカーソルを返すべきです。")
	}
	if len(c.LastSeenThreadIDs()) != 0 {
		t.Error("nilカーソルのLastSeenThreadIDsは空であるべきです。")
	}
}

func TestSyncCursor_ViewsSkipTombstones(t *testing.T) {
	c := NewSyncCursor()
	c.Threads[30] = ThreadCursor{LastPostID: 35}
	c.Threads[10] = ThreadCursor{LastPostID: 12}
	c.Threads[20] = ThreadCursor{Gone: true}

	if diff := cmp.Diff([]int64{10, 30}, c.LastSeenThreadIDs()); diff != "" {
		t.Errorf("LastSeenThreadIDsが期待値と異なります (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[int64]int64{10: 12, 30: 35}, c.PerThreadLastPostID()); diff != "" {
		t.Errorf("PerThreadLastPostIDが期待値と異なります (-want +got):\n%s", diff)
	}
}

func TestSiteDescriptor_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		site    SiteDescriptor
		wantErr bool
	}{
		{"正常", SiteDescriptor{ID: "s", Domain: "d", EngineID: "vichan", Boards: []BoardRef{{ID: "b"}}}, false},
		{"ID空", SiteDescriptor{Domain: "d", EngineID: "vichan", Boards: []BoardRef{{ID: "b"}}}, true},
		{"エンジン空", SiteDescriptor{ID: "s", Domain: "d", Boards: []BoardRef{{ID: "b"}}}, true},
		{"板なし", SiteDescriptor{ID: "s", Domain: "d", EngineID: "vichan"}, true},
		{"板重複", SiteDescriptor{ID: "s", Domain: "d", EngineID: "vichan", Boards: []BoardRef{{ID: "b"}, {ID: "b"}}}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.site.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}

	s := SiteDescriptor{Domain: "example.org"}
	if got := s.BaseURL(); got != "https://example.org" {
		t.Errorf("BaseURLのデフォルトスキームが不正です: %s", got)
	}
}

func TestEvent_Key(t *testing.T) {
	ev := Event{Kind: EventNewPost, SiteID: "s", BoardID: "b", ThreadID: 1, PostID: 2}
	if got := ev.Key(); got != "NewPost/s/b/1/2" {
		t.Errorf("Keyが期待値と異なります: %s", got)
	}
}
