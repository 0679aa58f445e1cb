package capability

import (
	"context"
	"errors"
	"testing"

	xerrors "AutoAgent/internal/errors"
)

func TestRegistryRegisterAndDispatch(t *testing.T) {
	registry := NewRegistry()
	echo := NewFunc("echo", "回显入参", func(_ context.Context, input Input) (string, error) {
		return input.String("text"), nil
	})
	if err := registry.Register(echo); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	output, err := registry.Dispatch(context.Background(), "echo", Input{"text": "hello"})
	if err != nil {
		t.Fatalf("分发能力失败: %v", err)
	}
	if output != "hello" {
		t.Fatalf("期望输出 hello, 实际 %q", output)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	registry := NewRegistry()
	cap := NewFunc("echo", "回显入参", func(_ context.Context, _ Input) (string, error) {
		return "", nil
	})
	if err := registry.Register(cap); err != nil {
		t.Fatalf("首次注册失败: %v", err)
	}
	err := registry.Register(cap)
	if err == nil {
		t.Fatal("重复注册应当失败")
	}
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("期望冲突错误码, 实际 %s", xerrors.CodeOf(err))
	}
}

func TestRegistryDispatchUnknownCapability(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Dispatch(context.Background(), "missing", nil)
	if err == nil {
		t.Fatal("未注册能力应当返回错误")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound, 实际 %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("能力缺失应标记为可重试")
	}
}

func TestRegistryWrapsExecutorErrors(t *testing.T) {
	registry := NewRegistry()
	boom := errors.New("boom")
	cap := NewFunc("flaky", "总是失败", func(_ context.Context, _ Input) (string, error) {
		return "", boom
	})
	if err := registry.Register(cap); err != nil {
		t.Fatalf("注册能力失败: %v", err)
	}

	_, err := registry.Dispatch(context.Background(), "flaky", nil)
	if err == nil {
		t.Fatal("执行失败应当返回错误")
	}
	if xerrors.CodeOf(err) != CodeExecutionFailed {
		t.Fatalf("期望执行失败错误码, 实际 %s", xerrors.CodeOf(err))
	}
	if !errors.Is(err, boom) {
		t.Fatal("包装后的错误应保留原始 cause")
	}
}

func TestRegistryDescribeSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		cap := NewFunc(name, name+" capability", func(_ context.Context, _ Input) (string, error) {
			return "", nil
		})
		if err := registry.Register(cap); err != nil {
			t.Fatalf("注册 %s 失败: %v", name, err)
		}
	}

	descriptors := registry.Describe()
	if len(descriptors) != 3 {
		t.Fatalf("期望 3 个能力, 实际 %d", len(descriptors))
	}
	expected := []string{"alpha", "mid", "zeta"}
	for i, want := range expected {
		if descriptors[i].Name != want {
			t.Fatalf("位置 %d 期望 %s, 实际 %s", i, want, descriptors[i].Name)
		}
	}
}
