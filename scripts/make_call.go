package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/carelinehq/careline/pkg/configutil"
)

type carelineConfig struct {
	Telephony struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"telephony"`
}

type serverSettings struct {
	ServerAddr string `mapstructure:"server_addr"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "")
	server := flag.String("server", "", "careline base URL, e.g. http://localhost:8080")
	org := flag.Int64("org", 0, "")
	patient := flag.Int64("patient", 0, "")
	to := flag.String("to", "", "")
	agent := flag.String("agent", "", "")
	flag.Parse()
	if *org == 0 || *patient == 0 || *to == "" {
		fmt.Println("usage: make_call -org=1 -patient=2 -to=+15551234567 [-agent=annie_RPM] [-server=... | -config=...]")
		os.Exit(1)
	}

	base := strings.TrimRight(*server, "/")
	if base == "" {
		cfg, err := loadCarelineConfig(*configPath)
		if err != nil {
			fmt.Println("config error:", err)
			os.Exit(1)
		}
		var settings serverSettings
		if err := configutil.DecodeSettings(cfg.Telephony.Settings, &settings); err != nil {
			fmt.Println("settings error:", err)
			os.Exit(1)
		}
		base = localBaseURL(settings.ServerAddr)
	}

	payload, _ := json.Marshal(map[string]any{
		"org_id":     *org,
		"patient_id": *patient,
		"to_number":  *to,
		"agent":      *agent,
	})
	resp, err := http.Post(base+"/api/calls/outbound", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Println("call error:", resp.Status, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	fmt.Println(strings.TrimSpace(string(body)))
}

func loadCarelineConfig(path string) (carelineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return carelineConfig{}, err
	}
	var cfg carelineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return carelineConfig{}, err
	}
	return cfg, nil
}

func localBaseURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
