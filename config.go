package main

import (
	"github.com/aranachat/room/room"
	"github.com/aranachat/room/store"
)

var DefConfig Config

type Config struct {
	Room          string `json:"room"`
	Name          string `json:"name"`
	LogProduction bool   `json:"log_production" yaml:"log_production" mapstructure:"log_production"`
	AdminHost     string `json:"admin_host" yaml:"admin_host" mapstructure:"admin_host"`
	PprofHost     string `json:"pprof_host" yaml:"pprof_host" mapstructure:"pprof_host"`
	AdminSecret   string `json:"adminsecret"`

	// Primary and Backup are the host:port of the two leader slots.
	Primary string `json:"primary"`
	Backup  string `json:"backup"`

	Client   ClientConfig  `json:"client" yaml:"client" mapstructure:"client"`
	Store    store.Config  `json:"store" yaml:"store" mapstructure:"store"`
	Protocol room.Protocol `json:"protocol" yaml:"protocol" mapstructure:"protocol"`
}

type ClientConfig struct {
	ReadMessageSizeLimit int64 `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	Compression          bool  `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionLevel     int   `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`
	ReadBufferSize       int   `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int   `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	SendBuffer           int   `json:"send_buffer" yaml:"send_buffer" mapstructure:"send_buffer"`
}
