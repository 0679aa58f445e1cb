package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "AutoAgent/internal/errors"
)

const (
	// maxFileReadBytes 限制单次读取的文件大小，避免把超大文件塞进会话上下文。
	maxFileReadBytes = 1 << 20 // 1 MiB
	// maxFileWriteBytes 限制单次写入的内容大小。
	maxFileWriteBytes = 4 << 20 // 4 MiB
	// maxDirectoryEntries 限制目录列表返回的条目数。
	maxDirectoryEntries = 500
)

// FileTools 提供限定在工作目录内的文件读写能力。
type FileTools struct {
	root string
}

// NewFileTools 创建文件能力包。root 必须是已存在的目录。
func NewFileTools(root string) (*FileTools, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作目录不能为空")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工作目录失败")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("工作目录不可用: %s", abs))
	}
	if !info.IsDir() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工作目录不是目录: %s", abs))
	}
	return &FileTools{root: abs}, nil
}

// capabilities 是文件能力包对外暴露的能力全集，注册入口都从这里取。
func (t *FileTools) capabilities() []Capability {
	return []Capability{
		NewFunc("read_file", "读取工作目录内指定文件的内容", t.readFile),
		NewFunc("write_file", "在工作目录内创建或覆盖指定文件", t.writeFile),
		NewFunc("list_directory", "列出工作目录内指定目录下的条目", t.listDirectory),
	}
}

// RegisterAll 将文件能力批量注册到注册表。
func (t *FileTools) RegisterAll(registry *Registry) error {
	for _, cap := range t.capabilities() {
		if err := registry.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

// resolve 把相对路径映射到工作目录内，拒绝逃逸路径。
func (t *FileTools) resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "path 不能为空")
	}
	if filepath.IsAbs(raw) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不允许绝对路径: %s", raw))
	}
	joined := filepath.Join(t.root, raw)
	rel, err := filepath.Rel(t.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("路径越出工作目录: %s", raw))
	}
	return joined, nil
}

func (t *FileTools) readFile(ctx context.Context, input Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := t.resolve(input.String("path"))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("文件不存在: %s", input.String("path")))
		}
		return "", xerrors.Wrap(CodeExecutionFailed, err, "读取文件失败")
	}
	if info.IsDir() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("目标是目录而非文件: %s", input.String("path")))
	}
	if info.Size() > maxFileReadBytes {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("文件过大: %d 字节，上限 %d", info.Size(), maxFileReadBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", xerrors.Wrap(CodeExecutionFailed, err, "读取文件失败")
	}
	return string(data), nil
}

func (t *FileTools) writeFile(ctx context.Context, input Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := t.resolve(input.String("path"))
	if err != nil {
		return "", err
	}
	content := input.String("content")
	if len(content) > maxFileWriteBytes {
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("写入内容过大: %d 字节，上限 %d", len(content), maxFileWriteBytes))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", xerrors.Wrap(CodeExecutionFailed, err, "创建父目录失败")
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", xerrors.Wrap(CodeExecutionFailed, err, "写入文件失败")
	}
	return fmt.Sprintf("已写入 %s (%d 字节)", input.String("path"), len(content)), nil
}

func (t *FileTools) listDirectory(ctx context.Context, input Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw := input.StringOr("path", ".")
	path, err := t.resolve(raw)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("目录不存在: %s", raw))
		}
		return "", xerrors.Wrap(CodeExecutionFailed, err, "读取目录失败")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
		if len(names) >= maxDirectoryEntries {
			names = append(names, fmt.Sprintf("... (truncated at %d entries)", maxDirectoryEntries))
			break
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}
