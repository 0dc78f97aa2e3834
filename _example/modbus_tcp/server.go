//go:build ignore

// Slave simulator for client.go: go run server.go
package main

import (
	"encoding/binary"
	"log"
	"math"
	"os"
	"os/signal"

	"github.com/goburrow/modbus"
	"github.com/tbrandon/mbserver"
)

// from: https://github.com/TechplexEngineer/modbus-sim/blob/main/main.go

var exceptions = map[int]*mbserver.Exception{
	201: &mbserver.IllegalFunction,
	202: &mbserver.IllegalDataAddress,
	203: &mbserver.IllegalDataValue,
	204: &mbserver.SlaveDeviceFailure,
	205: &mbserver.AcknowledgeSlave,
	206: &mbserver.SlaveDeviceBusy,
	207: &mbserver.NegativeAcknowledge,
	208: &mbserver.MemoryParityError,
	210: &mbserver.GatewayPathUnavailable,
	211: &mbserver.GatewayTargetDeviceFailedtoRespond,
}

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %s", err)
		os.Exit(1)
	}
}

func run() error {
	serv := mbserver.NewServer()
	for i := 0; i < 2000; i++ {
		serv.HoldingRegisters[i] = uint16(i)
	}
	word := []byte("Hello, World!!")
	for i := 0; i+1 < len(word); i += 2 {
		serv.HoldingRegisters[404+i/2] = binary.BigEndian.Uint16(word[i : i+2])
	}
	pi32 := math.Float32bits(math.Pi)
	serv.HoldingRegisters[500] = uint16(pi32 >> 16)
	serv.HoldingRegisters[501] = uint16(pi32)

	serv.RegisterFunctionHandler(modbus.FuncCodeReadHoldingRegisters, readHoldingRegisters)

	listenAddr := "0.0.0.0:1502"
	log.Printf("Modbus Server listening on %s", listenAddr)
	if err := serv.ListenTCP(listenAddr); err != nil {
		return err
	}
	defer serv.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop
	return nil
}

// readHoldingRegisters raises the exception mapped to the first register of
// a request, if any.
func readHoldingRegisters(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	register := int(binary.BigEndian.Uint16(data[0:2]))
	numRegs := int(binary.BigEndian.Uint16(data[2:4]))
	end := register + numRegs
	if end > 65536 {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	if ex, ok := exceptions[register]; ok {
		return []byte{}, ex
	}
	log.Printf("Read r:%d, count:%d", register, numRegs)
	return append([]byte{byte(numRegs * 2)}, mbserver.Uint16ToBytes(s.HoldingRegisters[register:end])...), &mbserver.Success
}
