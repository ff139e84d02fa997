package workflow

import (
	"context"
	goerrors "errors"
	"sync"

	"github.com/pkg/errors"
)

// Transition 一次实例状态变化，回写业务状态使用
// Status 为 pending 时表示流转到了新的人工节点，只有开启了进度回写的业务类型才会收到
type Transition struct {
	InstanceID          int64          `json:"instanceId"`
	BusinessType        string         `json:"businessType"`
	BusinessID          int64          `json:"businessId"`
	Status              InstanceStatus `json:"status"`
	CurrentNodePosition *int           `json:"currentNodePosition,omitempty"`
	CurrentNodeName     string         `json:"currentNodeName,omitempty"`
	OccurredAt          int64          `json:"occurredAt"`
}

// Synchronizer 业务状态同步，需要幂等，同一个 Transition 可能会被补偿重放
type Synchronizer interface {
	OnInstanceTransition(ctx context.Context, transition *Transition) error
}

type SynchronizerFunc func(ctx context.Context, transition *Transition) error

func (f SynchronizerFunc) OnInstanceTransition(ctx context.Context, transition *Transition) error {
	return f(ctx, transition)
}

// ChainSynchronizers 依次执行，全部执行完再把错误合并返回
func ChainSynchronizers(synchronizers ...Synchronizer) Synchronizer {
	return SynchronizerFunc(func(ctx context.Context, transition *Transition) error {
		var errs []error
		for _, s := range synchronizers {
			if s == nil {
				continue
			}
			if err := s.OnInstanceTransition(ctx, transition); err != nil {
				errs = append(errs, err)
			}
		}
		return goerrors.Join(errs...)
	})
}

type synchronizerEntry struct {
	synchronizer    Synchronizer
	progressUpdates bool
}

type SynchronizerOption func(*synchronizerEntry)

// WithProgressUpdates 流转到新的人工节点的时候也回写(例如案件显示"质检中")
func WithProgressUpdates() SynchronizerOption {
	return func(e *synchronizerEntry) {
		e.progressUpdates = true
	}
}

// SynchronizerRegistry 按业务类型注册，一个业务类型只能注册一个，需要多个用 ChainSynchronizers
type SynchronizerRegistry struct {
	mu      sync.RWMutex
	entries map[string]*synchronizerEntry
}

func NewSynchronizerRegistry() *SynchronizerRegistry {
	return &SynchronizerRegistry{entries: make(map[string]*synchronizerEntry)}
}

func (r *SynchronizerRegistry) Register(businessType string, synchronizer Synchronizer, opts ...SynchronizerOption) error {
	if businessType == "" || synchronizer == nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "businessType: %q, synchronizer nil: %v", businessType, synchronizer == nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[businessType]; ok {
		return errors.Errorf("synchronizer of %s already registered", businessType)
	}
	entry := &synchronizerEntry{synchronizer: synchronizer}
	for _, opt := range opts {
		opt(entry)
	}
	r.entries[businessType] = entry
	return nil
}

func (r *SynchronizerRegistry) BusinessTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

func (r *SynchronizerRegistry) lookup(businessType string) (*synchronizerEntry, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[businessType]
	return entry, ok
}

// StatusMapping 实例状态到业务状态值的映射，没有映射的状态不回写
type StatusMapping map[InstanceStatus]string
