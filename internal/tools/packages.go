package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahul/stepforge/internal/sandbox"
)

// PackageInstaller is the part of the sandbox manager the install tool needs.
type PackageInstaller interface {
	InstallPackages(ctx context.Context, names []string) ([]string, error)
}

type InstallPackageRequest struct {
	Packages stringList `json:"packages"`
}

type InstallPackageTool struct {
	installer PackageInstaller
}

func (t *InstallPackageTool) Name() string { return "install_package" }

func (t *InstallPackageTool) Description() string {
	return "Install one or more Python packages into the sandbox environment with a single package manager call."
}

func (t *InstallPackageTool) Parameters() map[string]any {
	return schema(map[string]any{
		"packages": stringListProp("Package names or requirement specifiers, e.g. [\"pandas\", \"requests>=2\"]"),
	}, "packages")
}

func (t *InstallPackageTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	req, err := decodeArgs[InstallPackageRequest](args, "packages")
	if err != nil {
		return Result{}, err
	}
	if len(req.Packages) == 0 {
		return Result{}, fmt.Errorf("%w: packages is empty", ErrInvalidArgument)
	}
	for _, name := range req.Packages {
		if err := sandbox.ValidatePackage(name); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}
	installed, err := t.installer.InstallPackages(ctx, req.Packages)
	if err != nil {
		return Result{}, err
	}
	if installed == nil {
		installed = []string{}
	}
	return Result{Value: map[string]any{
		"requested": []string(req.Packages),
		"installed": installed,
	}}, nil
}
