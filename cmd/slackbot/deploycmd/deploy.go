// Package deploycmd sequences the deployment pipeline: CDK infrastructure,
// container image build/push to ECR, and the Lambda image update. It is a
// thin orchestration over the aws, docker, and cdk CLIs.
package deploycmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/puresort/slackbot/internal/configutil"
)

// commandRunner executes one external CLI invocation and returns its stdout.
type commandRunner func(ctx context.Context, stdin, name string, args ...string) (string, error)

type deployer struct {
	env       string
	stackName string
	imageTag  string
	run       commandRunner
	out       io.Writer
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy infrastructure and bot image",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := strings.ToLower(strings.TrimSpace(configutil.FlagOrViperString(cmd, "env", "environment")))
			if env != "dev" && env != "prod" {
				return fmt.Errorf("invalid --env %q (want dev or prod)", env)
			}
			codeOnly, _ := cmd.Flags().GetBool("code-only")

			d := newDeployer(env, execRunner, cmd.OutOrStdout())
			if codeOnly {
				return d.codeOnlyDeploy(cmd.Context())
			}
			return d.fullDeploy(cmd.Context())
		},
	}

	cmd.Flags().String("env", "dev", "Environment to deploy to (dev|prod).")
	cmd.Flags().Bool("code-only", false, "Deploy code changes only (skip infrastructure).")

	return cmd
}

func newDeployer(env string, run commandRunner, out io.Writer) *deployer {
	if out == nil {
		out = os.Stdout
	}
	return &deployer{
		env:       env,
		stackName: "SlackBot" + titleCase(env),
		imageTag:  time.Now().Format("20060102-150405"),
		run:       run,
		out:       out,
	}
}

func titleCase(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func execRunner(ctx context.Context, stdin, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", name, msg)
	}
	return stdout.String(), nil
}

type stackOutput struct {
	OutputKey   string `json:"OutputKey"`
	OutputValue string `json:"OutputValue"`
}

func (d *deployer) stackOutputs(ctx context.Context) (map[string]string, error) {
	raw, err := d.run(ctx, "",
		"aws", "cloudformation", "describe-stacks",
		"--stack-name", d.stackName,
		"--query", "Stacks[0].Outputs",
		"--output", "json",
	)
	if err != nil {
		return nil, fmt.Errorf("describe stack %s: %w", d.stackName, err)
	}
	var outputs []stackOutput
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return nil, fmt.Errorf("parse stack outputs: %w", err)
	}
	out := make(map[string]string, len(outputs))
	for _, o := range outputs {
		out[o.OutputKey] = o.OutputValue
	}
	return out, nil
}

func (d *deployer) ecrLogin(ctx context.Context, ecrURI string) error {
	region, err := regionFromECRURI(ecrURI)
	if err != nil {
		return err
	}
	token, err := d.run(ctx, "", "aws", "ecr", "get-login-password", "--region", region)
	if err != nil {
		return fmt.Errorf("ecr login token: %w", err)
	}
	if _, err := d.run(ctx, strings.TrimSpace(token),
		"docker", "login", "--username", "AWS", "--password-stdin", ecrURI,
	); err != nil {
		return fmt.Errorf("docker login: %w", err)
	}
	return nil
}

// regionFromECRURI extracts the region from a registry URI of the form
// <account>.dkr.ecr.<region>.amazonaws.com[/name].
func regionFromECRURI(uri string) (string, error) {
	parts := strings.Split(strings.TrimSpace(uri), ".")
	if len(parts) < 4 || parts[1] != "dkr" || parts[2] != "ecr" || strings.TrimSpace(parts[3]) == "" {
		return "", fmt.Errorf("invalid ecr uri: %s", uri)
	}
	return parts[3], nil
}

func (d *deployer) buildAndPushImage(ctx context.Context, ecrURI string) error {
	fmt.Fprintf(d.out, "Building image for %s (tag %s)\n", d.env, d.imageTag)
	steps := [][]string{
		{"docker", "build", "--platform", "linux/amd64", "-t", "slack-bot:" + d.imageTag, "-f", "app/Dockerfile", "./app"},
		{"docker", "tag", "slack-bot:" + d.imageTag, ecrURI + ":" + d.imageTag},
		{"docker", "tag", "slack-bot:" + d.imageTag, ecrURI + ":latest"},
		{"docker", "push", ecrURI + ":" + d.imageTag},
		{"docker", "push", ecrURI + ":latest"},
	}
	for _, step := range steps {
		if _, err := d.run(ctx, "", step[0], step[1:]...); err != nil {
			return err
		}
	}
	return nil
}

func (d *deployer) deployInfrastructure(ctx context.Context) error {
	fmt.Fprintf(d.out, "Deploying infrastructure stack %s\n", d.stackName)
	_, err := d.run(ctx, "", "cdk", "deploy", d.stackName, "--require-approval", "never")
	return err
}

func (d *deployer) updateLambda(ctx context.Context, ecrURI, functionName string) error {
	fmt.Fprintf(d.out, "Updating function %s\n", functionName)
	if _, err := d.run(ctx, "",
		"aws", "lambda", "update-function-code",
		"--function-name", functionName,
		"--image-uri", ecrURI+":latest",
	); err != nil {
		return err
	}
	_, err := d.run(ctx, "",
		"aws", "lambda", "wait", "function-updated",
		"--function-name", functionName,
	)
	return err
}

func (d *deployer) fullDeploy(ctx context.Context) error {
	if err := d.deployInfrastructure(ctx); err != nil {
		return err
	}
	outputs, err := d.stackOutputs(ctx)
	if err != nil {
		return err
	}
	ecrURI := outputs["ECRRepositoryURI"]
	if ecrURI == "" {
		return fmt.Errorf("stack %s has no ECRRepositoryURI output", d.stackName)
	}
	if err := d.ecrLogin(ctx, ecrURI); err != nil {
		return err
	}
	if err := d.buildAndPushImage(ctx, ecrURI); err != nil {
		return err
	}
	functionName := outputs["LambdaFunctionName"]
	if functionName == "" {
		return fmt.Errorf("stack %s has no LambdaFunctionName output", d.stackName)
	}
	if err := d.updateLambda(ctx, ecrURI, functionName); err != nil {
		return err
	}
	d.printSummary(outputs)
	return nil
}

func (d *deployer) codeOnlyDeploy(ctx context.Context) error {
	outputs, err := d.stackOutputs(ctx)
	if err != nil {
		return err
	}
	ecrURI := outputs["ECRRepositoryURI"]
	functionName := outputs["LambdaFunctionName"]
	if ecrURI == "" || functionName == "" {
		return fmt.Errorf("stack %s is missing ECRRepositoryURI or LambdaFunctionName outputs", d.stackName)
	}
	if err := d.ecrLogin(ctx, ecrURI); err != nil {
		return err
	}
	if err := d.buildAndPushImage(ctx, ecrURI); err != nil {
		return err
	}
	if err := d.updateLambda(ctx, ecrURI, functionName); err != nil {
		return err
	}
	fmt.Fprintln(d.out, "Code deployment completed")
	return nil
}

func (d *deployer) printSummary(outputs map[string]string) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(d.out, line)
	fmt.Fprintln(d.out, "DEPLOYMENT SUMMARY")
	fmt.Fprintln(d.out, line)
	fmt.Fprintf(d.out, "Environment: %s\n", d.env)
	fmt.Fprintf(d.out, "Stack: %s\n", d.stackName)
	fmt.Fprintf(d.out, "Image tag: %s\n", d.imageTag)
	fmt.Fprintf(d.out, "ECR repository: %s\n", outputs["ECRRepositoryURI"])
	fmt.Fprintf(d.out, "Lambda function: %s\n", outputs["LambdaFunctionName"])
	fmt.Fprintf(d.out, "Webhook URL: %s\n", outputs["ApiGatewayUrl"])
	fmt.Fprintln(d.out, line)
}
