package main

import (
	"flag"
	"math/rand"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"

	"github.com/sharpyfox/rtbkit/config"
	"github.com/sharpyfox/rtbkit/router"
	"github.com/sharpyfox/rtbkit/server"
)

// Rev holds binary revision string
// Set manually at build time using:
//    go build -ldflags "-X main.Rev=`git rev-parse --short HEAD`"
var Rev string

func init() {
	rand.Seed(time.Now().UnixNano())
}

func main() {
	flag.Parse() // required for glog flags and testing package flags

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("Configuration could not be loaded or did not pass validation: %v", err)
	}

	if err := serve(Rev, cfg); err != nil {
		glog.Exitf("rtb router failed: %v", err)
	}
}

const configFileName = "rtb"

func loadConfig() (*config.Configuration, error) {
	v := viper.New()
	config.SetupViper(v, configFileName)
	return config.New(v)
}

func serve(revision string, cfg *config.Configuration) error {
	r, err := router.New(cfg)
	if err != nil {
		return err
	}

	corsRouter := router.SupportCORS(r)
	server.Listen(cfg, server.Handlers{
		Main:   router.NoCache{Handler: corsRouter},
		Win:    r.WinHandler,
		Events: r.EventsHandler,
		Admin:  router.Admin(revision, r),
	}, r.MetricsEngine)

	r.Shutdown()
	return nil
}
