package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/glypto/glyptodon/activitypub"
	"github.com/glypto/glyptodon/db"
	"github.com/glypto/glyptodon/util"
	"github.com/glypto/glyptodon/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database := db.GetDB()

	keypair := util.GeneratePemKeypair()
	if err, _ := database.EnsureServiceAccount(keypair); err != nil {
		log.Fatalln(err)
	}

	keys := activitypub.NewKeyStore(database, conf)
	resolver := activitypub.NewResolver(database, keys, conf)
	keys.SetActorSource(resolver)

	dispatcher := activitypub.NewDispatcher(database, keys, conf)
	outbox := activitypub.NewOutbox(database, dispatcher, conf)
	processor := activitypub.NewProcessor(database, keys, resolver, outbox, conf)
	sync := activitypub.NewSynchronizer(database, resolver, processor, conf)
	outbox.SetSyncer(sync)

	if conf.Conf.WithFederation {
		dispatcher.Start()
	}

	startServing(conf, dispatcher, processor, sync)
}

func startServing(conf *util.AppConfig, dispatcher *activitypub.Dispatcher, processor *activitypub.Processor, sync *activitypub.Synchronizer) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(conf, processor, sync); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping federation server")
	if conf.Conf.WithFederation {
		dispatcher.Stop()
	}
	if err := db.GetDB().Close(); err != nil {
		log.Fatalln(err)
	}
}
