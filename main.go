package main

import (
	"context"

	"github.com/viam-modules/vesc/vesc"

	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("vesc"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	vescModule, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}

	if err = vescModule.AddModelFromRegistry(ctx, motor.API, vesc.Model); err != nil {
		return err
	}

	err = vescModule.Start(ctx)
	defer vescModule.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
