package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"livetable/internal/config"
	"livetable/internal/feed"
	"livetable/internal/query"
	"livetable/internal/table"
	"livetable/internal/view"
)

func main() {
	queryText := flag.String("query", "SELECT * FROM User", "query to watch")
	localFilter := flag.String("local", "", "optional expr filter applied client-side")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tableName, pred, err := query.Parse(*queryText)
	if err != nil {
		log.Fatalf("Bad query: %v", err)
	}

	client := feed.New(cfg.Client)
	defer client.Close()

	cb := view.Callbacks{
		OnReady:  func(rows []table.Row) { log.Printf("ready (%d rows)", len(rows)) },
		OnInsert: func(row table.Row) { printRow("insert", row) },
		OnUpdate: func(old, new table.Row) { printRow("update", new) },
		OnDelete: func(row table.Row) { printRow("delete", row) },
	}

	var opts []view.Option
	if *localFilter != "" {
		opts = append(opts, view.WithLocalFilter(*localFilter))
	}

	v, err := view.New(client.Table(tableName), tableName, pred,
		client.Status(), client, cb, opts...)
	if err != nil {
		log.Fatalf("Failed to create view: %v", err)
	}
	defer v.Close()
	log.Printf("Watching %s", v.Query())

	if err := client.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("Shutting down (%d rows in view)", len(v.Rows()))
}

func printRow(op string, row table.Row) {
	data, err := json.Marshal(row)
	if err != nil {
		log.Printf("%s (unprintable row: %v)", op, err)
		return
	}
	log.Printf("%s %s", op, data)
}
