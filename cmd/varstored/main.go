// varstored serves UEFI variables to one hardware-virtualized guest:
// it restores the variable database from the persistence blob,
// presents the synthetic PCI function, and runs the single-threaded
// service loop over the hypervisor I/O ring.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/stdr"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/varstored/go-varstored/engine"
	"github.com/varstored/go-varstored/hyper"
	"github.com/varstored/go-varstored/pci"
	"github.com/varstored/go-varstored/smm"
	"github.com/varstored/go-varstored/varstore"
)

func main() {
	v := viper.New()
	v.SetDefault("store.path", "/var/lib/varstored/vars.blob")
	v.SetDefault("store.max-storage", varstore.DefaultMaxStorage)
	v.SetDefault("store.max-variable", varstore.DefaultMaxVariableSize)
	v.SetDefault("pci.bus", 0)
	v.SetDefault("pci.device", 3)
	v.SetDefault("pci.function", 0)
	v.SetDefault("pci.vendor-id", 0x5853)
	v.SetDefault("pci.device-id", 0xc110)
	v.SetDefault("pci.bar-order", 14)
	v.SetDefault("verbosity", 0)

	v.SetEnvPrefix("VARSTORED")
	v.AutomaticEnv()
	if len(os.Args) > 1 {
		v.SetConfigFile(os.Args[1])
		if err := v.ReadInConfig(); err != nil {
			log.Fatalf("could not read config %s: %v", os.Args[1], err)
		}
	}

	stdr.SetVerbosity(v.GetInt("verbosity"))
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs := varstore.NewFileBlobStore(afero.NewOsFs(), v.GetString("store.path"))
	store := varstore.NewStore(v.GetInt("store.max-storage"), v.GetInt("store.max-variable"))

	eng, err := engine.New(ctx, logger.WithName("engine"), store, blobs)
	if err != nil {
		logger.Error(err, "could not initialize variable engine")
		os.Exit(1)
	}
	disp := smm.NewDispatcher(logger.WithName("smm"), eng)

	// The hypervisor binding is provided by the device model build;
	// the in-process transport keeps the wiring honest everywhere
	// else.
	transport, err := hyper.NewLoopback()
	if err != nil {
		logger.Error(err, "could not open transport")
		os.Exit(1)
	}
	defer transport.Close()

	dev, err := pci.NewDevice(logger.WithName("pci"), transport, pci.Info{
		Bus:      uint8(v.GetInt("pci.bus")),
		Device:   uint8(v.GetInt("pci.device")),
		Function: uint8(v.GetInt("pci.function")),
		VendorID: uint16(v.GetUint32("pci.vendor-id")),
		DeviceID: uint16(v.GetUint32("pci.device-id")),
		IntPin:   1,
	})
	if err != nil {
		logger.Error(err, "could not register PCI function")
		os.Exit(1)
	}
	defer dev.Close()

	order := uint(v.GetInt("pci.bar-order"))
	window := smm.NewMMIOWindow(ctx, logger.WithName("bar"), disp, order)
	if err := dev.RegisterBar(0, true, order, window); err != nil {
		logger.Error(err, "could not register BAR")
		os.Exit(1)
	}

	logger.Info("serving variables", "store", v.GetString("store.path"))
	if err := serve(ctx, transport, dev); err != nil && err != context.Canceled {
		logger.Error(err, "service loop failed")
		os.Exit(1)
	}
}

// serve is the cooperative event loop: one request at a time, the
// response posted before the completion doorbell.
func serve(ctx context.Context, transport hyper.Transport, dev *pci.Device) error {
	for {
		req, err := transport.NextRequest(ctx)
		if err != nil {
			return err
		}
		dev.HandleRequest(req)
		if err := transport.Complete(req); err != nil {
			return err
		}
	}
}
