package adapter

import (
	"errors"
	"sync"
	"testing"

	"GoImageBoardSync/internal/model"
)

func TestResolve_KnownEngines(t *testing.T) {
	for _, id := range []string{"vichan", "tinyboard", "lainchan", "futaba"} {
		if _, err := Resolve(id); err != nil {
			t.Errorf("エンジン '%s' が解決できません: %v", id, err)
		}
	}
}

func TestResolve_UnknownEngine(t *testing.T) {
	_, err := Resolve("doesnotexist")

	if !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("ErrUnknownEngine が返されるべきです: %v", err)
	}
	var uErr *UnknownEngineError
	if !errors.As(err, &uErr) || uErr.EngineID != "doesnotexist" {
		t.Errorf("UnknownEngineError にエンジンIDが記録されていません: %v", err)
	}
}

func TestNew_UnknownEngineDoesNotFetch(t *testing.T) {
	f := newStubFetcher()
	site := model.SiteDescriptor{ID: "x", Domain: "x.example", EngineID: "doesnotexist", Boards: []model.BoardRef{{ID: "b"}}}

	_, err := New(site, f)

	if !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("ErrUnknownEngine が返されるべきです: %v", err)
	}
	if len(f.requested) != 0 {
		t.Errorf("未知のエンジンで通信が発生しました: %v", f.requested)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	factory := func(site model.SiteDescriptor, f Fetcher) (BackendAdapter, error) { return nil, nil }
	Register("registry-test-dup", factory)

	defer func() {
		if recover() == nil {
			t.Error("二重登録は panic するべきです。")
		}
	}()
	Register("registry-test-dup", factory)
}

func TestResolve_ConcurrentLookups(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := Resolve("vichan"); err != nil {
					t.Errorf("並行解決に失敗しました: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	engines := Engines()
	found := false
	for _, id := range engines {
		if id == "vichan" {
			found = true
		}
	}
	if !found {
		t.Errorf("Engines() に vichan が含まれていません: %v", engines)
	}
}
