package config

import (
	stdErrors "errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "CrewRelay/internal/errors"
	"CrewRelay/pkg/logger"
)

// Config 描述了中继服务在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Crew     CrewConfig     `yaml:"crew"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Log      logger.Config  `yaml:"log"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// ServerConfig 控制对外 HTTP 服务。
type ServerConfig struct {
	Address     string   `yaml:"address"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// CrewConfig 描述上游托管执行 API 的访问方式。
type CrewConfig struct {
	BaseURL        string `yaml:"base_url"`
	BearerToken    string `yaml:"bearer_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回上游调用超时，0 表示不设超时。
func (c CrewConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig 描述上游回调本服务时使用的公网地址。
type WebhookConfig struct {
	BaseURL string `yaml:"base_url"`
}

// EventsConfig 选择 webhook 事件日志的落地方式。
type EventsConfig struct {
	Driver string `yaml:"driver"`
	Buffer int    `yaml:"buffer"`
	// QueueSize 为后台写入队列长度，0 表示使用默认值。
	QueueSize             int            `yaml:"queue_size"`
	PublishTimeoutSeconds int            `yaml:"publish_timeout_seconds"`
	Redis                 RedisConfig    `yaml:"redis"`
	RabbitMQ              RabbitMQConfig `yaml:"rabbitmq"`
	MySQL                 MySQLConfig    `yaml:"mysql"`
}

// PublishTimeout 返回单次写入事件日志的超时，未配置时返回 0。
func (c EventsConfig) PublishTimeout() time.Duration {
	if c.PublishTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

// RedisConfig 描述 Redis 事件日志。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	MaxLen   int64  `yaml:"max_len"`
	Channel  string `yaml:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 事件日志。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// MySQLConfig 描述 MySQL 事件日志。
type MySQLConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// MetricsConfig 控制独立的指标端口，为空时指标挂在主服务的 /metrics 上。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// AlertingConfig 配置上游失败时的告警渠道。
type AlertingConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	Channel         string `yaml:"channel"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Timeout 返回单次告警发送的超时，未配置时返回 0。
func (c AlertingConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load 读取可选的 YAML 文件，再用环境变量覆盖，最后补全默认值。
// 文件不存在时只使用环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("解析配置文件 %s 失败", path))
			}
		case stdErrors.Is(err, os.ErrNotExist):
		default:
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("读取配置文件 %s 失败", path))
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("CREW_BASE_URL", &c.Crew.BaseURL)
	str("CREW_BEARER_TOKEN", &c.Crew.BearerToken)
	str("WEBHOOK_BASE_URL", &c.Webhook.BaseURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("EVENTS_DRIVER", &c.Events.Driver)
	str("METRICS_ADDRESS", &c.Metrics.Address)

	if v, ok := lookup("WEBHOOK_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("WEBHOOK_PORT 非法: %q", v))
		}
		c.Server.Address = fmt.Sprintf(":%d", port)
	}
	if v, ok := lookup("CREW_TIMEOUT_SECONDS"); ok && strings.TrimSpace(v) != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs < 0 {
			return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("CREW_TIMEOUT_SECONDS 非法: %q", v))
		}
		c.Crew.TimeoutSeconds = secs
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":5000"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	c.Crew.BaseURL = strings.TrimRight(c.Crew.BaseURL, "/")
	c.Webhook.BaseURL = strings.TrimRight(c.Webhook.BaseURL, "/")
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 200
	}
}

// Validate 检查启动所必需的配置。缺少上游地址或令牌时返回错误，
// 其余问题作为告警返回，由调用方记录日志后继续启动。
func (c *Config) Validate() ([]string, error) {
	var missing []string
	if c.Crew.BaseURL == "" {
		missing = append(missing, "CREW_BASE_URL")
	}
	if c.Crew.BearerToken == "" {
		missing = append(missing, "CREW_BEARER_TOKEN")
	}
	if len(missing) > 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			"缺少必需的环境变量: "+strings.Join(missing, ", "),
			xerrors.WithMetadata("missing", strings.Join(missing, ",")))
	}
	if _, err := url.ParseRequestURI(c.Crew.BaseURL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "CREW_BASE_URL 不是合法的 URL")
	}

	var warnings []string
	switch {
	case c.Webhook.BaseURL == "":
		warnings = append(warnings, "WEBHOOK_BASE_URL 未设置，HITL 回调需要公网可达的地址")
	case !strings.HasPrefix(c.Webhook.BaseURL, "https://"):
		warnings = append(warnings, "WEBHOOK_BASE_URL 应使用 HTTPS，上游只接受公网 HTTPS 回调地址")
	}

	switch c.Events.Driver {
	case "memory", "none":
	case "redis":
		if c.Events.Redis.Address == "" {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "events.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "events.rabbitmq.url 不能为空")
		}
	case "mysql":
		if c.Events.MySQL.DSN == "" {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "events.mysql.dsn 不能为空")
		}
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("未知的事件驱动: %s", c.Events.Driver))
	}
	return warnings, nil
}
