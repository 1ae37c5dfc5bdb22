package main

import (
	"bytes"
	"context"
	"log"
	"strings"

	"github.com/flynn/opentoken/ccid"
	"github.com/flynn/opentoken/iso7816"
	"github.com/flynn/opentoken/tokenhid"
)

func main() {
	devices, err := tokenhid.Devices()
	if err != nil {
		log.Fatal(err)
	}

	msg := []byte(strings.Repeat("echo", 100))
	for _, d := range devices {
		dev, err := tokenhid.Open(context.Background(), d)
		if err != nil {
			log.Fatal(err)
		}
		log.Println("opened", d.Path)
		res, err := dev.Ping(msg)
		if err != nil {
			log.Fatal(err)
		}
		if !bytes.Equal(res, msg) {
			log.Fatalf("expected %x, got %x", msg, res)
		}
		log.Println("successfully pinged", d.Path)

		sel, err := iso7816.NewCommand(0x00, 0xA4, 0x04, 0x00, ccid.AIDOATH, 256).Bytes()
		if err != nil {
			log.Fatal(err)
		}
		res, err = dev.APDU(sel)
		if err != nil {
			log.Println("no APDU tunnel on", d.Path, err)
		} else {
			log.Printf("OATH select on %s: %x", d.Path, res)
		}
		dev.Close()
	}
}
