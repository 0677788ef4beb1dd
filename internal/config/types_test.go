package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	missingHeader := cfg
	missingHeader.Server.Auth.UserHeader = " "
	require.Error(t, missingHeader.Validate())

	badDriver := cfg
	badDriver.Database.Driver = "mysql"
	require.Error(t, badDriver.Validate())

	redisWithoutAddress := cfg
	redisWithoutAddress.Cache.Backend = "redis"
	require.Error(t, redisWithoutAddress.Validate())

	redisWithAddress := redisWithoutAddress
	redisWithAddress.Cache.Redis.Address = "127.0.0.1:6379"
	require.NoError(t, redisWithAddress.Validate())

	unknownBackend := cfg
	unknownBackend.Cache.Backend = "memcached"
	require.Error(t, unknownBackend.Validate())

	t.Run("ttl overrides must be positive durations", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Cache.TTL.Short = "soon"
		require.Error(t, bad.Validate())

		negative := DefaultConfig()
		negative.Cache.TTL.Long = "-1m"
		require.Error(t, negative.Validate())

		good := DefaultConfig()
		good.Cache.TTL.Short = "30s"
		good.Cache.TTL.Session = "12h"
		require.NoError(t, good.Validate())
	})

	t.Run("routes", func(t *testing.T) {
		noSlash := DefaultConfig()
		noSlash.Cache.Routes = map[string]RouteConfig{"api/products": {TTL: "short"}}
		require.Error(t, noSlash.Validate())

		badScope := DefaultConfig()
		badScope.Cache.Routes = map[string]RouteConfig{"/api/products": {Scope: "everyone"}}
		require.Error(t, badScope.Validate())

		emptyMethod := DefaultConfig()
		emptyMethod.Cache.Routes = map[string]RouteConfig{"/api/products": {Methods: []string{""}}}
		require.Error(t, emptyMethod.Validate())

		global := DefaultConfig()
		global.Cache.Routes = map[string]RouteConfig{"/api/catalog/*": {Scope: "global", TTL: "long"}}
		require.NoError(t, global.Validate())
	})

	t.Run("security limits", func(t *testing.T) {
		limiter := DefaultConfig()
		limiter.Security.RateLimit.Requests = 0
		require.Error(t, limiter.Validate())

		disabled := limiter
		disabled.Security.RateLimit.Enabled = false
		require.NoError(t, disabled.Validate())

		guard := DefaultConfig()
		guard.Security.Guard.MaxStrikes = 0
		require.Error(t, guard.Validate())
	})
}

func TestDefaultRoutesCoverListEndpoints(t *testing.T) {
	routes := DefaultRoutes()
	for _, path := range []string{"/api/products", "/api/clients", "/api/accounts", "/api/movements", "/api/users/me/stats"} {
		route, ok := routes[path]
		require.True(t, ok, path)
		require.Equal(t, []string{"GET"}, route.Methods)
	}
}
