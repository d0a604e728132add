package config

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	App         App           `yaml:"app"`
	DB          *sql.DB       `yaml:"db"`
	Queue       *RabbitMQ     `yaml:"rabbitmq"`
	Storage     *minio.Client `yaml:"storage"`
	Server      Server        `yaml:"server"`
	Relay       Relay         `yaml:"relay"`
	Auth        Auth          `yaml:"auth"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
}

type RabbitMQ struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
	Pass string `json:"pass"`
	Kind string `json:"kind"`
}

// Relay carries the timing knobs of the broadcast relay. Defaults match
// the reference cadence: 500ms slices, a 4-slice backpressure queue,
// a 2s gap timeout, 30s staleness and a 1h retention window.
type Relay struct {
	CaptureInterval time.Duration `yaml:"capture_interval"`
	QueueDepth      int           `yaml:"queue_depth"`
	AppendRetries   uint          `yaml:"append_retries"`
	GapTimeout      time.Duration `yaml:"gap_timeout"`
	ReorderDepth    int           `yaml:"reorder_depth"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	Retention       time.Duration `yaml:"retention"`
	JanitorSpec     string        `yaml:"janitor_spec"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	BitsPerSample   int           `yaml:"bits_per_sample"`
}

// Auth lists the broadcaster ids allowed to start a session. An empty
// list allows any caller (development mode).
type Auth struct {
	Broadcasters []string `yaml:"broadcasters"`
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("relay.capture_interval", "500ms")
	viper.SetDefault("relay.queue_depth", 4)
	viper.SetDefault("relay.append_retries", 3)
	viper.SetDefault("relay.gap_timeout", "2s")
	viper.SetDefault("relay.reorder_depth", 64)
	viper.SetDefault("relay.poll_interval", "2s")
	viper.SetDefault("relay.stale_after", "30s")
	viper.SetDefault("relay.retention", "1h")
	viper.SetDefault("relay.janitor_spec", "@every 15s")
	viper.SetDefault("relay.sample_rate", 16000)
	viper.SetDefault("relay.channels", 1)
	viper.SetDefault("relay.bits_per_sample", 16)

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", viper.GetString("postgresql_host"))
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Host: viper.GetString("rabbitmq_host"),
		Port: viper.GetInt("rabbitmq_port"),
		User: viper.GetString("rabbitmq_user"),
		Pass: viper.GetString("rabbitmq_pass"),
		Kind: viper.GetString("rabbitmq_kind"),
	}

	minioClient, err := minio.New(viper.GetString("minio.url"), &minio.Options{
		Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
		Secure: false,
	})
	if err != nil {
		return nil, err
	}

	return &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		App: App{
			Environment: viper.GetString("app.environment"),
			Host:        viper.GetString("app.host"),
			Protocol:    viper.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
		},
		Relay: Relay{
			CaptureInterval: viper.GetDuration("relay.capture_interval"),
			QueueDepth:      viper.GetInt("relay.queue_depth"),
			AppendRetries:   uint(viper.GetInt("relay.append_retries")),
			GapTimeout:      viper.GetDuration("relay.gap_timeout"),
			ReorderDepth:    viper.GetInt("relay.reorder_depth"),
			PollInterval:    viper.GetDuration("relay.poll_interval"),
			StaleAfter:      viper.GetDuration("relay.stale_after"),
			Retention:       viper.GetDuration("relay.retention"),
			JanitorSpec:     viper.GetString("relay.janitor_spec"),
			SampleRate:      viper.GetInt("relay.sample_rate"),
			Channels:        viper.GetInt("relay.channels"),
			BitsPerSample:   viper.GetInt("relay.bits_per_sample"),
		},
		Auth: Auth{
			Broadcasters: viper.GetStringSlice("auth.broadcasters"),
		},
		DB:      db,
		Queue:   rabbitmq,
		Storage: minioClient,
	}, nil
}
