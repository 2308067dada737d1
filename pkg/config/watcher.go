package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startWatch 开始监控配置文件变更
// 调用方必须持有 mu 写锁
func (c *Config) startWatch() {
	if c.watching {
		return
	}
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.watching {
			return
		}
		// 合并短时间内的多次事件
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = time.AfterFunc(c.debounce, c.reload)
	})
	c.viper.WatchConfig()
	c.watching = true
}

// reload 重新读取配置文件并触发回调
func (c *Config) reload() {
	c.mu.Lock()
	if !c.watching {
		c.mu.Unlock()
		return
	}
	err := c.viper.ReadInConfig()
	onChange := c.onChange
	c.mu.Unlock()

	if err != nil {
		c.reportError(fmt.Errorf("%w: reload: %w", ErrConfigReadFailed, err))
		return
	}
	if onChange != nil {
		onChange(c)
	}
}

// StartWatch 开始监控配置文件变更，重复调用无副作用
func (c *Config) StartWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startWatch()
}

// StopWatch 停止触发变更回调
// viper 未提供停止底层 fsnotify watcher 的方法，此处仅使回调失效
func (c *Config) StopWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// IsWatching 是否正在监控
func (c *Config) IsWatching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watching
}

// reportError 报告错误，优先使用 onError 回调，否则输出到 stderr
func (c *Config) reportError(err error) {
	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()

	if onError != nil {
		onError(err)
		return
	}
	fmt.Fprintf(os.Stderr, "[config] %v\n", err)
}
