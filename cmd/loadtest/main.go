// Command loadtest drives simulated editors against a docsync server.
//
// Every simulated client authenticates with a token signed by JWT_SECRET
// and opens the same document, so the identities used must have access to
// it. By default all clients share one identity; -distinct numbers them
// <user>_0, <user>_1, and so on.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"docsync/internal/auth"
	"docsync/internal/logging"
)

func main() {
	_ = godotenv.Load()

	var (
		serverURL = flag.String("server", "http://localhost:8080", "server URL")
		document  = flag.String("document", "loadtest", "document every client opens")
		users     = flag.Int("users", 10, "number of simulated clients")
		duration  = flag.Duration("duration", 2*time.Minute, "editing time per client")
		scenario  = flag.String("scenario", "normal", "editing scenario: normal, aggressive, code, review")
		rampUp    = flag.Duration("rampup", 10*time.Second, "time over which clients connect")
		interval  = flag.Duration("metrics", 5*time.Second, "progress report interval")
		user      = flag.String("user", "loadtest", "user id the tokens are minted for")
		distinct  = flag.Bool("distinct", false, "give every client its own numbered user id")
		secret    = flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC secret used to sign tokens")
		issuer    = flag.String("issuer", os.Getenv("JWT_ISSUER"), "token issuer")
		staged    = flag.Bool("plans", false, "run the staged light/medium/heavy/stress plans")
		pause     = flag.Duration("pause", 30*time.Second, "pause between staged plans")
		level     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log := logging.New("development", *level)
	if *secret == "" {
		log.Fatal("a signing secret is required: set JWT_SECRET or pass -secret")
	}

	identity := func(n int) (string, string, error) {
		id := *user
		if *distinct {
			id = fmt.Sprintf("%s_%d", *user, n)
		}
		token, err := auth.Sign(*secret, *issuer, id, "", "", *duration+time.Hour)
		return id, token, err
	}

	base := Config{
		ServerURL:       *serverURL,
		DocumentID:      *document,
		Users:           *users,
		Duration:        *duration,
		Scenario:        *scenario,
		RampUp:          *rampUp,
		MetricsInterval: *interval,
		Identity:        identity,
	}

	if !*staged {
		if _, err := Run(base, log); err != nil {
			log.WithError(err).Fatal("simulation failed")
		}
		return
	}

	log.WithField("server", *serverURL).Info("running staged plans")
	for i, p := range plans {
		fmt.Printf("\n=== Running Test: %s ===\n", p.Name)
		cfg := base
		cfg.Users, cfg.Duration, cfg.Scenario, cfg.RampUp = p.Users, p.Duration, p.Scenario, p.RampUp
		if _, err := Run(cfg, log); err != nil {
			log.WithError(err).WithField("plan", p.Name).Error("plan failed")
		}
		if i < len(plans)-1 {
			log.WithField("pause", pause.String()).Info("waiting before next plan")
			time.Sleep(*pause)
		}
	}
	log.WithFields(logrus.Fields{"plans": len(plans)}).Info("all plans completed")
}
