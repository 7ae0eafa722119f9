package config

import (
	"time"

	"github.com/go-redis/redis"
)

type RedisConfig struct {
	// Either a single address or a seed list of host:port addresses
	Addrs        []string `validate:"required"`
	DB           int      `validate:"gte=0,lte=16"`
	Password     string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        rc.Addrs,
		DB:           rc.DB,
		Password:     rc.Password,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     rc.PoolSize,
		MasterName:   rc.MasterName,
	}
}
