package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "AutoAgent/internal/errors"
)

// Registry 维护能力名到实现的映射。注册在启动阶段完成，运行期只读。
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register 登记一个能力。重名注册返回冲突错误。
func (r *Registry) Register(cap Capability) error {
	if cap == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力实现不能为空")
	}
	name := strings.TrimSpace(cap.Name())
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "能力名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("能力 %s 已注册", name))
	}
	r.capabilities[name] = cap
	return nil
}

// Dispatch 按名称调用能力。未注册的名称返回 ErrNotFound。
func (r *Registry) Dispatch(ctx context.Context, name string, input Input) (string, error) {
	r.mu.RLock()
	cap, ok := r.capabilities[name]
	r.mu.RUnlock()
	if !ok {
		return "", xerrors.Wrap(CodeNotFound, ErrNotFound, fmt.Sprintf("未注册的能力: %s", name))
	}
	output, err := cap.Execute(ctx, input)
	if err != nil {
		if _, structured := xerrors.From(err); structured {
			return "", err
		}
		return "", xerrors.Wrap(CodeExecutionFailed, err, fmt.Sprintf("能力 %s 执行失败", name))
	}
	return output, nil
}

// Has 判断能力是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[name]
	return ok
}

// Describe 返回所有已注册能力的摘要，按名称排序。
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]Descriptor, 0, len(r.capabilities))
	for _, cap := range r.capabilities {
		descriptors = append(descriptors, Descriptor{
			Name:        cap.Name(),
			Description: cap.Description(),
		})
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}
