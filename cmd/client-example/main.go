// Command client-example exercises a mirkv cluster through pkg/client.
//
// Nodes and client settings come from MIRKV_ environment variables, for
// example MIRKV_NODES=localhost:8080,localhost:8081.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/cachemir/mirkv/pkg/client"
	"github.com/cachemir/mirkv/pkg/config"
)

func main() {
	log := logrus.New()

	cfg, err := config.LoadClientConfig(config.NewClientViper(), os.Getenv("MIRKV_CLIENT_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("load client config")
	}

	c, err := client.NewWithConfig(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("create client")
	}
	defer c.Close()

	fmt.Println("=== mirkv client example ===")

	if err := c.Ping(); err != nil {
		log.WithError(err).Warn("ping failed")
	} else {
		fmt.Printf("connected to %d node(s)\n", len(c.Nodes()))
	}

	fmt.Println("\n--- Storage ---")
	step("SET user:1 john", c.Set("user:1", "john"))
	step("APPEND user:1 _doe", c.Append("user:1", "_doe"))
	step("ADD user:1 jane (expect not stored)", c.Add("user:1", "jane"))
	step("REPLACE user:2 x (expect not stored)", c.Replace("user:2", "x"))

	if value, err := c.Get("user:1"); err != nil {
		log.WithError(err).Error("GET user:1")
	} else {
		fmt.Printf("GET user:1 = %s (node %s)\n", value, c.NodeFor("user:1"))
	}

	if _, err := c.Get("user:2"); errors.Is(err, client.ErrNotFound) {
		fmt.Println("GET user:2 = <missing>")
	}

	fmt.Println("\n--- Batch ---")
	for i := 0; i < 5; i++ {
		step(fmt.Sprintf("SET item:%d", i), c.Set(fmt.Sprintf("item:%d", i), fmt.Sprintf("value-%d", i)))
	}
	items, err := c.MGet("item:0", "item:1", "item:2", "item:3", "item:4", "item:404")
	if err != nil {
		log.WithError(err).Error("MGET")
	} else {
		fmt.Printf("MGET returned %d of 6 keys\n", len(items))
	}

	if deleted, err := c.Delete("user:1"); err == nil {
		fmt.Printf("DELETE user:1 = %t\n", deleted)
	}
}

func step(name string, err error) {
	switch {
	case err == nil:
		fmt.Printf("ok    %s\n", name)
	case errors.Is(err, client.ErrNotStored):
		fmt.Printf("skip  %s\n", name)
	default:
		fmt.Printf("fail  %s: %v\n", name, err)
	}
}
