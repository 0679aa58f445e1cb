package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	xerrors "AutoAgent/internal/errors"
)

// Manifest 描述一次部署启用哪些内置能力及其参数。
type Manifest struct {
	// WorkspaceRoot 是文件能力允许访问的根目录。
	WorkspaceRoot string `yaml:"workspaceRoot"`
	// SearchEndpoint 覆盖默认的搜索服务地址。
	SearchEndpoint string `yaml:"searchEndpoint"`
	// Enabled 列出启用的能力名。为空时启用全部内置能力。
	Enabled []string `yaml:"enabled"`
	// Chain 配置链上查询能力，未配置时不注册。
	Chain *ChainManifest `yaml:"chain"`
}

// ChainManifest 是 chain_query 能力的配置块。
type ChainManifest struct {
	RPCURL string `yaml:"rpcURL"`
}

// LoadManifest 从 YAML 文件读取能力清单。
func LoadManifest(path string) (Manifest, error) {
	var manifest Manifest
	if path == "" {
		return manifest, xerrors.New(xerrors.CodeInvalidArgument, "能力清单路径不能为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return manifest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取能力清单失败")
	}
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return manifest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析能力清单失败")
	}
	if err := manifest.Validate(); err != nil {
		return manifest, err
	}
	return manifest, nil
}

// Validate 校验清单内部一致性。
func (m Manifest) Validate() error {
	known := map[string]struct{}{
		"read_file":      {},
		"write_file":     {},
		"list_directory": {},
		"api_call":       {},
		"web_search":     {},
		"chain_query":    {},
	}
	for _, name := range m.Enabled {
		if _, ok := known[name]; !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的能力名: %s", name))
		}
		if name == "chain_query" && (m.Chain == nil || m.Chain.RPCURL == "") {
			return xerrors.New(xerrors.CodeInvalidArgument, "启用 chain_query 需要配置 chain.rpcURL")
		}
	}
	return nil
}

// Assemble 把清单允许的文件与 HTTP 能力注册到注册表。
// chain_query 依赖节点连接，由调用方单独注册。
func (m Manifest) Assemble(registry *Registry, files *FileTools, web *HTTPTools) error {
	var capabilities []Capability
	if files != nil {
		capabilities = append(capabilities, files.capabilities()...)
	}
	if web != nil {
		capabilities = append(capabilities, web.capabilities()...)
	}
	for _, cap := range capabilities {
		if !m.Allows(cap.Name()) {
			continue
		}
		if err := registry.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

// Allows 判断清单是否启用指定能力。
func (m Manifest) Allows(name string) bool {
	if len(m.Enabled) == 0 {
		return true
	}
	for _, enabled := range m.Enabled {
		if enabled == name {
			return true
		}
	}
	return false
}
