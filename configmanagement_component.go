package gocbnet

import (
	"sync"
	"sync/atomic"
)

type configManagementComponent struct {
	useSSL      bool
	networkType string

	currentConfig atomic.Pointer[routeConfig]
	applyLock     sync.Mutex

	cfgChangeWatchers []routeConfigWatcher
	watchersLock      sync.Mutex

	firstConfigCh   chan struct{}
	firstConfigOnce sync.Once
}

type configManagerProperties struct {
	UseTLS      bool
	NetworkType string
}

type routeConfigWatcher interface {
	OnNewRouteConfig(cfg *routeConfig)
}

type configManager interface {
	AddConfigWatcher(watcher routeConfigWatcher)
	RemoveConfigWatcher(watcher routeConfigWatcher)
}

func newConfigManager(props configManagerProperties) *configManagementComponent {
	cm := &configManagementComponent{
		useSSL:        props.UseTLS,
		networkType:   props.NetworkType,
		firstConfigCh: make(chan struct{}),
	}
	cm.currentConfig.Store(&routeConfig{
		revID:    -1,
		revEpoch: -1,
	})

	return cm
}

// CurrentConfig returns the config most recently applied. Before the first
// config arrives it has a revision of -1.
func (cm *configManagementComponent) CurrentConfig() *routeConfig {
	return cm.currentConfig.Load()
}

// FirstConfig is closed once any config has been applied.
func (cm *configManagementComponent) FirstConfig() <-chan struct{} {
	return cm.firstConfigCh
}

// OnNewConfig applies cfg when it is strictly newer than the current config, or
// equal and marked as forcing an override. It reports whether cfg was applied.
func (cm *configManagementComponent) OnNewConfig(cfg *cfgBucket) bool {
	routeCfg := cfg.BuildRouteConfig(cm.useSSL, cm.networkType)
	if !routeCfg.IsValid() {
		logDebugf("Routing data is not valid, skipping update: \n%s", routeCfg.DebugString())
		return false
	}

	cm.applyLock.Lock()
	if !cm.shouldApply(routeCfg) {
		cm.applyLock.Unlock()
		return false
	}
	cm.currentConfig.Store(routeCfg)
	cm.applyLock.Unlock()

	cm.firstConfigOnce.Do(func() {
		close(cm.firstConfigCh)
	})

	logDebugf("Sending out mux routing data (update)...")
	logDebugf("New Routing Data:\n%s", routeCfg.DebugString())

	// We can end up deadlocking if we iterate whilst in the lock and a watcher decides to remove itself.
	cm.watchersLock.Lock()
	watchers := make([]routeConfigWatcher, len(cm.cfgChangeWatchers))
	copy(watchers, cm.cfgChangeWatchers)
	cm.watchersLock.Unlock()

	for _, watcher := range watchers {
		watcher.OnNewRouteConfig(routeCfg)
	}

	return true
}

func (cm *configManagementComponent) shouldApply(cfg *routeConfig) bool {
	oldCfg := cm.currentConfig.Load()

	if oldCfg.revID > -1 {
		if (cfg.vbMap == nil) != (oldCfg.vbMap == nil) {
			logErrorf("Received a configuration with a different bucket type.  Ignoring.")
			return false
		}

		if cfg.vbMap != nil && cfg.vbMap.NumVbuckets() != oldCfg.vbMap.NumVbuckets() {
			logErrorf("Received a configuration with a different number of vbuckets.  Ignoring.")
			return false
		}
	}

	return cfg.IsNewerThan(oldCfg)
}

func (cm *configManagementComponent) AddConfigWatcher(watcher routeConfigWatcher) {
	cm.watchersLock.Lock()
	cm.cfgChangeWatchers = append(cm.cfgChangeWatchers, watcher)
	cm.watchersLock.Unlock()
}

func (cm *configManagementComponent) RemoveConfigWatcher(watcher routeConfigWatcher) {
	cm.watchersLock.Lock()
	for i, w := range cm.cfgChangeWatchers {
		if w == watcher {
			cm.cfgChangeWatchers = append(cm.cfgChangeWatchers[:i], cm.cfgChangeWatchers[i+1:]...)
			break
		}
	}
	cm.watchersLock.Unlock()
}

func (cm *configManagementComponent) NetworkType() string {
	return cm.networkType
}
