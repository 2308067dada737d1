// Package apps holds the application credentials and policies the server
// authenticates connections against.
package apps

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tokmz/beacon/pkg/errors"
)

// ErrAppNotFound 应用不存在（Pusher 4001）
var ErrAppNotFound = errors.New(4001, 404, "App not found")

// App 应用配置
type App struct {
	ID                   string   `mapstructure:"id" json:"id"`
	Key                  string   `mapstructure:"key" json:"key"`
	Secret               string   `mapstructure:"secret" json:"-"`
	Name                 string   `mapstructure:"name" json:"name"`
	Capacity             int      `mapstructure:"capacity" json:"capacity"` // 0 表示不限制
	EnableClientMessages bool     `mapstructure:"enable_client_messages" json:"enable_client_messages"`
	EnableStatistics     bool     `mapstructure:"enable_statistics" json:"enable_statistics"`
	AllowedOrigins       []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// OriginAllowed 判断来源是否被允许，列表为空或包含 * 时放行
func (a *App) OriginAllowed(origin string) bool {
	if len(a.AllowedOrigins) == 0 {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	for _, allowed := range a.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == host {
			return true
		}
		// *.example.com 形式的通配
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]) {
			return true
		}
	}
	return false
}

// Validate 校验应用列表：必填字段非空，id 与 key 唯一
func Validate(list []App) error {
	ids := make(map[string]struct{}, len(list))
	keys := make(map[string]struct{}, len(list))
	for i, a := range list {
		if a.ID == "" || a.Key == "" || a.Secret == "" {
			return fmt.Errorf("apps[%d]: id, key and secret are required", i)
		}
		if a.Capacity < 0 {
			return fmt.Errorf("apps[%d]: capacity must be >= 0", i)
		}
		if _, ok := ids[a.ID]; ok {
			return fmt.Errorf("apps[%d]: duplicate id %q", i, a.ID)
		}
		if _, ok := keys[a.Key]; ok {
			return fmt.Errorf("apps[%d]: duplicate key %q", i, a.Key)
		}
		ids[a.ID] = struct{}{}
		keys[a.Key] = struct{}{}
	}
	return nil
}

type snapshot struct {
	list  []*App
	byID  map[string]*App
	byKey map[string]*App
}

// Registry 应用注册表，支持整体原子替换（配置热更新）
type Registry struct {
	cur atomic.Pointer[snapshot]
}

// NewRegistry 创建注册表
func NewRegistry(list []App) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(list); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace 校验后整体替换应用列表
func (r *Registry) Replace(list []App) error {
	if err := Validate(list); err != nil {
		return err
	}
	s := &snapshot{
		list:  make([]*App, 0, len(list)),
		byID:  make(map[string]*App, len(list)),
		byKey: make(map[string]*App, len(list)),
	}
	for i := range list {
		a := list[i]
		s.list = append(s.list, &a)
		s.byID[a.ID] = &a
		s.byKey[a.Key] = &a
	}
	r.cur.Store(s)
	return nil
}

// FindByID 按 id 查找
func (r *Registry) FindByID(id string) (*App, error) {
	if a, ok := r.cur.Load().byID[id]; ok {
		return a, nil
	}
	return nil, ErrAppNotFound
}

// FindByKey 按 key 查找
func (r *Registry) FindByKey(key string) (*App, error) {
	if a, ok := r.cur.Load().byKey[key]; ok {
		return a, nil
	}
	return nil, ErrAppNotFound
}

// All 返回全部应用
func (r *Registry) All() []*App {
	s := r.cur.Load()
	out := make([]*App, len(s.list))
	copy(out, s.list)
	return out
}
