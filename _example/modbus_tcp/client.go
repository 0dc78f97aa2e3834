package main

import (
	"context"
	"log"
	"time"

	modbusmcp "github.com/TwoMental/modbus-mcp"
)

func main() {
	device := modbusmcp.NewTCPDevice("sim", "localhost", 1502,
		modbusmcp.WithTimeout(2*time.Second),
		modbusmcp.WithMaxConns(2),
	)
	pool, err := modbusmcp.NewPool([]*modbusmcp.Device{device})
	if err != nil {
		log.Fatalf("Error: %s", err)
	}
	defer pool.Close()
	ctx := context.Background()

	err = pool.Do(ctx, "sim", 5*time.Second, func(c *modbusmcp.Conn) error {
		regs, err := c.ReadRegisters(ctx, 100, 2)
		if err != nil {
			return err
		}
		scaled := modbusmcp.Point{DataType: modbusmcp.PointDataTypeU16, Coefficient: 0.1}
		values, err := scaled.Decode(regs)
		if err != nil {
			return err
		}
		log.Printf("Read a/b: %v -> %v", regs, values)

		text, err := c.ReadRegisters(ctx, 404, 7)
		if err != nil {
			return err
		}
		log.Printf("Read e: %q", (&modbusmcp.Point{DataType: modbusmcp.PointDataTypeString}).DecodeString(text))

		pi, err := c.ReadRegisters(ctx, 500, 2)
		if err != nil {
			return err
		}
		log.Printf("Read pi bits: %#04x %#04x", pi[0], pi[1])

		if err := c.WriteRegisters(ctx, 600, []uint16{1010, 1020, 1030}); err != nil {
			return err
		}
		log.Printf("Write c: ok")
		return nil
	})
	if err != nil {
		log.Fatalf("Error: %s (%s)", err, modbusmcp.KindOf(err))
	}

	// registers 201..211 answer with exceptions, each surfaces as one error kind
	for addr := 201; addr <= 211; addr++ {
		err := pool.Do(ctx, "sim", 5*time.Second, func(c *modbusmcp.Conn) error {
			_, err := c.ReadRegisters(ctx, addr, 1)
			return err
		})
		if err == nil {
			log.Printf("Read %d: ok", addr)
			continue
		}
		log.Printf("Read %d: %s: %s", addr, modbusmcp.KindOf(err), err)
	}
	log.Printf("Pool: %+v", pool.Stats())
}
