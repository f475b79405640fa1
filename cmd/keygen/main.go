// cmd/keygen/main.go
//
// keygen prints a new collaborator API key together with the record to add
// to KFA_SERVICE_KEYS. With -token it instead signs a bearer token using
// KFA_JWT_SECRET, for local testing.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/config"
)

func main() {
	id := flag.String("id", "", "key id, e.g. sweeper")
	actorID := flag.String("actor", "", "actor uuid the key acts as (random when empty)")
	caps := flag.String("caps", "", "comma separated capabilities, e.g. certifications:sweep")
	token := flag.Bool("token", false, "issue a bearer token instead of an API key")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	aid := uuid.New()
	if *actorID != "" {
		parsed, err := uuid.Parse(*actorID)
		if err != nil {
			config.Exitf("invalid -actor: %v", err)
		}
		aid = parsed
	}
	capabilities := parseCaps(*caps)

	if *token {
		var cfg config.Lifecycle
		if err := config.Load(&cfg); err != nil {
			config.Exitf("config: %v", err)
		}
		if cfg.JWTSecret == "" {
			config.Exitf("KFA_JWT_SECRET is not set")
		}
		a := actor.New(aid, capabilities...)
		a.Name = *id
		tok, err := actor.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer).Issue(a, *ttl)
		if err != nil {
			config.Exitf("issue token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	if *id == "" || strings.Contains(*id, ".") {
		config.Exitf("-id is required and must not contain '.'")
	}
	plaintext, key, err := actor.GenerateServiceKey(*id, aid, capabilities...)
	if err != nil {
		config.Exitf("generate key: %v", err)
	}
	record, err := json.Marshal(key)
	if err != nil {
		config.Exitf("encode key: %v", err)
	}
	fmt.Fprintf(os.Stdout, "api key (shown once): %s\nKFA_SERVICE_KEYS entry: %s\n", plaintext, record)
}

func parseCaps(raw string) []actor.Capability {
	var out []actor.Capability
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, actor.Capability(c))
		}
	}
	return out
}
