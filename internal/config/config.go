// Package config 載入服務設定
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Link struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"` // 0 表示由系統分配

		ConnectTimeout     time.Duration `yaml:"connect_timeout"`     // 等待 connect 指令的時間
		InactivityInterval time.Duration `yaml:"inactivity_interval"` // 房間閒置檢查間隔
		SendBuffer         int           `yaml:"send_buffer"`         // 每條連線的寫入佇列長度
		EnableWebSocket    bool          `yaml:"enable_websocket"`
	} `yaml:"link"`

	Auth struct {
		RequireCreateRoomAuth bool   `yaml:"require_create_room_auth"`
		RegistrationKey       string `yaml:"registration_key"` // 空字串時停用註冊
		MaxUsers              int    `yaml:"max_users"`
	} `yaml:"auth"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		Channel      string        `yaml:"channel"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Events struct {
		BufferSize     int           `yaml:"buffer_size"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		History        bool          `yaml:"history"` // 寫入 room_events 表（需啟用 postgres）
	} `yaml:"events"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Link.Port = 8081
	cfg.Link.ConnectTimeout = 10 * time.Second
	cfg.Link.InactivityInterval = 2 * time.Minute
	cfg.Link.SendBuffer = 256
	cfg.Link.EnableWebSocket = true

	cfg.Auth.RequireCreateRoomAuth = true
	cfg.Auth.MaxUsers = 20

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "gblink"
	cfg.Postgres.DBName = "gblink"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.Channel = "gblink:rooms"

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "gblink.rooms"

	cfg.Events.BufferSize = 1024
	cfg.Events.PublishTimeout = 3 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 讀取 YAML 設定檔並覆蓋預設值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取設定檔失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析設定檔失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 超出範圍: %d", c.Server.Port))
	}
	if c.Link.Port < 0 || c.Link.Port > 65535 {
		errs = append(errs, fmt.Errorf("link.port 超出範圍: %d", c.Link.Port))
	}
	if c.Link.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("link.connect_timeout 必須大於 0"))
	}
	if c.Link.InactivityInterval <= 0 {
		errs = append(errs, errors.New("link.inactivity_interval 必須大於 0"))
	}
	if c.Link.SendBuffer <= 0 {
		errs = append(errs, errors.New("link.send_buffer 必須大於 0"))
	}
	if c.Auth.MaxUsers < 0 {
		errs = append(errs, errors.New("auth.max_users 不可為負數"))
	}
	if c.Events.History && !c.Postgres.Enabled {
		errs = append(errs, errors.New("events.history 需要啟用 postgres"))
	}

	return errors.Join(errs...)
}

// HTTPAddr HTTP API 監聽位址
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LinkAddr link 伺服器監聽位址
func (c *Config) LinkAddr() string {
	return net.JoinHostPort(c.Link.Host, strconv.Itoa(c.Link.Port))
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
