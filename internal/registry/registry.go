// Package registry 维护实例注册表：一个把实例名映射到元数据的
// 持久化文档。
//
// 整个注册表是单个 JSON 文件，每次变更都是完整的
// 读-改-写循环：加锁 → 读入 → 修改 → 原子写回。文档和单条实例
// 记录里的未知字段在重写时原样保留，旧版本二进制不会丢掉
// 新版本写入的内容。
//
// flock 只保护单次读-改-写循环；跨多次调用的一致性由上层自行
// 串行化，这是设计里已知的缺口而不是保证。
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"appcage/pkg/errdefs"
	"appcage/pkg/fileutil"
	"appcage/pkg/lockfile"
)

// State 是实例的生命周期状态
type State string

const (
	// StateRegistered 表示实例已登记但尚未安装
	StateRegistered State = "registered"
	// StateInstalling 表示提取+补丁流水线正在运行
	StateInstalling State = "installing"
	// StateReady 表示实例可用
	StateReady State = "ready"
	// StateBroken 表示安装在沙箱创建之后失败，留待检查与重试
	StateBroken State = "broken"
)

// Instance 是注册表中的一条实例记录
type Instance struct {
	// Name 是唯一键，不序列化进记录本身（它是映射的键）
	Name string `json:"-"`

	// Kind 是包形态（deb / raw）
	Kind string `json:"package_kind"`

	State State `json:"state"`

	CreatedAt time.Time `json:"created_at"`

	// SandboxPath 是实例的沙箱根
	SandboxPath string `json:"sandbox_path"`

	// InstallerDigest 记录安装器内容摘要（只记录，不校验）
	InstallerDigest string `json:"installer_digest,omitempty"`

	// InstalledAt 是最近一次安装成功的时间
	InstalledAt *time.Time `json:"installed_at,omitempty"`

	// extra 保存本版本不认识的字段，重写时原样带回
	extra map[string]json.RawMessage
}

// 实例记录的已知字段名（其余进 extra）
var knownInstanceKeys = map[string]bool{
	"package_kind":     true,
	"state":            true,
	"created_at":       true,
	"sandbox_path":     true,
	"installer_digest": true,
	"installed_at":     true,
}

// Store 管理注册表文档
type Store struct {
	// Path 是注册表文档路径
	Path string
}

// NewStore 创建注册表存储
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// document 是解析后的注册表文档
type document struct {
	instances map[string]*Instance
	extra     map[string]json.RawMessage
}

// Add 登记一个新实例。
// 名字已存在时返回 errdefs.ErrDuplicateInstance，注册表不变。
func (s *Store) Add(name, kind, sandboxPath string) (*Instance, error) {
	var added *Instance
	err := s.mutate(func(doc *document) error {
		if _, exists := doc.instances[name]; exists {
			return fmt.Errorf("instance %q: %w", name, errdefs.ErrDuplicateInstance)
		}
		added = &Instance{
			Name:        name,
			Kind:        kind,
			State:       StateRegistered,
			CreatedAt:   time.Now().UTC(),
			SandboxPath: sandboxPath,
		}
		doc.instances[name] = added
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Get 按名字取实例记录。
// 不存在时返回 errdefs.ErrNotFound。
func (s *Store) Get(name string) (*Instance, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	inst, ok := doc.instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", name, errdefs.ErrNotFound)
	}
	return inst, nil
}

// List 返回全部实例记录，按名字排序
func (s *Store) List() ([]*Instance, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doc.instances))
	for name := range doc.instances {
		names = append(names, name)
	}
	sort.Strings(names)

	instances := make([]*Instance, 0, len(names))
	for _, name := range names {
		instances = append(instances, doc.instances[name])
	}
	return instances, nil
}

// Remove 删除实例记录。
// 幂等：不存在时返回 nil。
func (s *Store) Remove(name string) error {
	return s.mutate(func(doc *document) error {
		delete(doc.instances, name)
		return nil
	})
}

// Update 对一条实例记录做读-改-写。
// fn 返回错误时不写回。实例不存在返回 errdefs.ErrNotFound。
func (s *Store) Update(name string, fn func(*Instance) error) error {
	return s.mutate(func(doc *document) error {
		inst, ok := doc.instances[name]
		if !ok {
			return fmt.Errorf("instance %q: %w", name, errdefs.ErrNotFound)
		}
		return fn(inst)
	})
}

// mutate 在文档锁内执行一次完整的读-改-写循环
func (s *Store) mutate(fn func(*document) error) error {
	lock, err := lockfile.Acquire(s.Path + ".lock")
	if err != nil {
		return err
	}
	defer lock.Release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// load 读入注册表文档。文件不存在时返回空文档。
func (s *Store) load() (*document, error) {
	doc := &document{
		instances: make(map[string]*Instance),
		extra:     make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", s.Path, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", s.Path, err)
	}

	for key, raw := range top {
		if key != "instances" {
			doc.extra[key] = raw
			continue
		}
		var rawInstances map[string]json.RawMessage
		if err := json.Unmarshal(raw, &rawInstances); err != nil {
			return nil, fmt.Errorf("parse registry instances: %w", err)
		}
		for name, rawInst := range rawInstances {
			inst, err := unmarshalInstance(name, rawInst)
			if err != nil {
				return nil, fmt.Errorf("parse instance %q: %w", name, err)
			}
			doc.instances[name] = inst
		}
	}

	return doc, nil
}

// save 原子写回整个文档
func (s *Store) save(doc *document) error {
	instances := make(map[string]json.RawMessage, len(doc.instances))
	for name, inst := range doc.instances {
		raw, err := marshalInstance(inst)
		if err != nil {
			return fmt.Errorf("marshal instance %q: %w", name, err)
		}
		instances[name] = raw
	}

	top := make(map[string]json.RawMessage, len(doc.extra)+1)
	for key, raw := range doc.extra {
		top[key] = raw
	}
	rawInstances, err := json.Marshal(instances)
	if err != nil {
		return fmt.Errorf("marshal instances: %w", err)
	}
	top["instances"] = rawInstances

	data, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := fileutil.AtomicWriteFile(s.Path, data, 0644); err != nil {
		return fmt.Errorf("save registry %s: %w", s.Path, err)
	}
	return nil
}

// unmarshalInstance 解析单条记录，未知字段收进 extra
func unmarshalInstance(name string, raw json.RawMessage) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, err
	}
	inst.Name = name

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key := range fields {
		if knownInstanceKeys[key] {
			delete(fields, key)
		}
	}
	if len(fields) > 0 {
		inst.extra = fields
	}
	return &inst, nil
}

// marshalInstance 序列化单条记录，extra 原样并回
func marshalInstance(inst *Instance) (json.RawMessage, error) {
	raw, err := json.Marshal(inst)
	if err != nil {
		return nil, err
	}
	if len(inst.extra) == 0 {
		return raw, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key, value := range inst.extra {
		// 已知字段以结构体为准，extra 不覆盖
		if _, ok := fields[key]; !ok {
			fields[key] = value
		}
	}
	return json.Marshal(fields)
}
