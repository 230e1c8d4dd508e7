package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Log    LogConfig
	Widget WidgetConfig
	Store  StoreConfig
	Cart   CartConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	widget, err := loadWidgetConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Log:    LogConfig{Level: getEnvOrDefault("LOG_LEVEL", "info")},
		Widget: widget,
		Store:  store,
		Cart:   CartConfig{Upstream: strings.TrimSpace(os.Getenv("PERSONALIZE_CART_UPSTREAM"))},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

type LogConfig struct {
	Level string
}

// WidgetConfig 描述启动时自动初始化的 widget。
type WidgetConfig struct {
	Platform           string
	ProductID          string
	APIKey             string
	Environment        string
	Hostname           string
	Debug              bool
	APIBaseURL         string
	SurfaceBaseURL     string
	AllowedOrigins     string
	LoadTimeoutSeconds int
	ButtonText         string
	ButtonClass        string
	AddToCartSelector  string
}

// AutoInit 表示环境变量里是否提供了足够的信息在启动时初始化 widget。
func (c WidgetConfig) AutoInit() bool {
	return c.Platform != "" && c.ProductID != ""
}

func loadWidgetConfig() (WidgetConfig, error) {
	debug, err := parseBoolEnv("PERSONALIZE_DEBUG", false)
	if err != nil {
		return WidgetConfig{}, err
	}

	timeout, err := parseOptionalIntEnv("PERSONALIZE_LOAD_TIMEOUT_SECONDS")
	if err != nil {
		return WidgetConfig{}, err
	}
	timeoutSeconds := 0 // 0 表示使用默认值
	if timeout != nil {
		if *timeout < 1 {
			return WidgetConfig{}, fmt.Errorf("invalid PERSONALIZE_LOAD_TIMEOUT_SECONDS value %d: must be positive", *timeout)
		}
		timeoutSeconds = *timeout
	}

	env := strings.ToLower(getEnvOrDefault("PERSONALIZE_ENVIRONMENT", "production"))
	if env != "production" && env != "sandbox" {
		return WidgetConfig{}, fmt.Errorf("invalid PERSONALIZE_ENVIRONMENT value %q", env)
	}

	return WidgetConfig{
		Platform:           strings.ToLower(strings.TrimSpace(os.Getenv("PERSONALIZE_PLATFORM"))),
		ProductID:          strings.TrimSpace(os.Getenv("PERSONALIZE_PRODUCT_ID")),
		APIKey:             strings.TrimSpace(os.Getenv("PERSONALIZE_API_KEY")),
		Environment:        env,
		Hostname:           strings.TrimSpace(os.Getenv("PERSONALIZE_HOSTNAME")),
		Debug:              debug,
		APIBaseURL:         strings.TrimSpace(os.Getenv("PERSONALIZE_API_BASE_URL")),
		SurfaceBaseURL:     strings.TrimSpace(os.Getenv("PERSONALIZE_SURFACE_BASE_URL")),
		AllowedOrigins:     strings.TrimSpace(os.Getenv("PERSONALIZE_ALLOWED_ORIGINS")),
		LoadTimeoutSeconds: timeoutSeconds,
		ButtonText:         strings.TrimSpace(os.Getenv("PERSONALIZE_BUTTON_TEXT")),
		ButtonClass:        strings.TrimSpace(os.Getenv("PERSONALIZE_BUTTON_CLASS")),
		AddToCartSelector:  strings.TrimSpace(os.Getenv("PERSONALIZE_ADD_TO_CART_SELECTOR")),
	}, nil
}

// StoreConfig 选择会话持久化后端。
type StoreConfig struct {
	Driver string
	Dir    string
	Redis  RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("PERSONALIZE_STORE", StoreMemory))
	switch driver {
	case StoreMemory, StoreFile, StoreRedis:
	default:
		return StoreConfig{}, fmt.Errorf("invalid PERSONALIZE_STORE value %q", driver)
	}

	db := 0
	if override, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return StoreConfig{}, err
	} else if override != nil {
		db = *override
	}

	return StoreConfig{
		Driver: driver,
		Dir:    getEnvOrDefault("PERSONALIZE_STORE_DIR", "data/sessions"),
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
		},
	}, nil
}

// CartConfig 描述购物车请求的上游地址；为空时回显注入后的表单。
type CartConfig struct {
	Upstream string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
