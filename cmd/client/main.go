package main

import (
	"flag"
	"log"
	"os"

	"collabsync/internal/identity"
	"collabsync/internal/service/app"
)

func main() {
	host := flag.String("host", "localhost:9090", "relay host")
	token := flag.String("token", "dev-token", "bearer token")
	owner := flag.Bool("owner", false, "this peer owns the document and creates the session key")
	stateDir := flag.String("state", ".collabsync", "identity storage directory")
	flag.Parse()

	if flag.NArg() < 2 {
		log.Fatal("usage: client [flags] <username> <documentID>")
	}
	username := flag.Arg(0)
	docID := flag.Arg(1)

	password := os.Getenv("COLLABSYNC_PASSPHRASE")
	if password == "" {
		log.Fatal("COLLABSYNC_PASSPHRASE must be set to protect the identity at rest")
	}

	store, err := identity.NewFileStore(*stateDir)
	if err != nil {
		log.Fatal(err)
	}

	a := app.NewApp(*host, *token, store)
	if err := a.Run(username, docID, password, *owner); err != nil {
		log.Fatal(err)
	}
	a.Stop()
}
