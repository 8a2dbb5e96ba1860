package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"GoImageBoardSync/internal/model"
)

// ErrUnknownEngine は、エンジンIDに対応するアダプタが登録されていないことを表します。
var ErrUnknownEngine = errors.New("未知のエンジンです")

// UnknownEngineError は、解決できなかったエンジンIDを保持します。
type UnknownEngineError struct {
	EngineID string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("エンジン '%s' に対応するアダプタが見つかりません", e.EngineID)
}

func (e *UnknownEngineError) Unwrap() error { return ErrUnknownEngine }

// Factory は、サイト定義と共有 Fetcher からアダプタを生成します。
type Factory func(site model.SiteDescriptor, fetcher Fetcher) (BackendAdapter, error)

var (
	registryMu sync.RWMutex
	// adapterRegistry は、エンジンIDとFactoryのマッピングを保持します。
	adapterRegistry = map[string]Factory{}
)

// Register は、エンジンIDに Factory を登録します。init() からのみ呼び出してください。
// 同じIDの二重登録は設定ミスなので panic します。
func Register(engineID string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := adapterRegistry[engineID]; exists {
		panic(fmt.Sprintf("adapter: エンジン '%s' は既に登録されています", engineID))
	}
	adapterRegistry[engineID] = factory
}

// Resolve は、指定されたエンジンIDに対応する Factory を返します。
// ファクトリパターンを使用することで、新しいエンジンの追加を容易にします。
func Resolve(engineID string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := adapterRegistry[engineID]
	if !ok {
		return nil, &UnknownEngineError{EngineID: engineID}
	}
	return factory, nil
}

// New は、サイト定義のエンジンIDを解決してアダプタを生成します。
func New(site model.SiteDescriptor, fetcher Fetcher) (BackendAdapter, error) {
	factory, err := Resolve(site.EngineID)
	if err != nil {
		return nil, err
	}
	return factory(site, fetcher)
}

// Engines は、登録済みのエンジンIDを昇順で返します。
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(adapterRegistry))
	for id := range adapterRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
