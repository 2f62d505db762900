// Command echttpserver is a small demonstration server exercising most of
// the library's route, protect and static-file features.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pmartin-io/echttp"
)

func welcome(ctx *echttp.Context) {
	host, ok := ctx.Header("Host")
	if !ok {
		host = "(unknown)"
	}
	ctx.SetHeader("Content-Type", "text/html")
	ctx.Send([]byte(fmt.Sprintf("<e>You are welcome on %s!</e>", host)))
}

func whoami(ctx *echttp.Context) {
	ctx.SetHeader("Content-Type", "text/html")
	ctx.Send([]byte("<i>Who knows?</i>"))
}

func forbidden(ctx *echttp.Context) {
	ctx.Send([]byte("<e>This is protected content!</e>"))
}

func protect(ctx *echttp.Context) bool {
	fmt.Printf("%s %s was protected.\n", ctx.Method(), ctx.Path())
	if ctx.Path() == "/forbidden" {
		ctx.SetStatus(401, "Unauthorized")
		return false
	}
	return true
}

func echo(ctx *echttp.Context) {
	ctx.SetHeader("Content-Type", "text/html")
	what, _ := ctx.Parameter("what")
	ctx.Send([]byte(fmt.Sprintf("<e>You called <b>%s</b></e> with what = %s", ctx.Path(), what)))
}

func main() {
	args := echttp.Open(os.Args[1:])
	if len(args) > 0 {
		fmt.Println("Remaining arguments:", args)
	}

	cwd, _ := os.Getwd()

	echttp.Protect(echttp.Route("/welcome", welcome), protect)
	echttp.Route("/whoami", whoami)
	echttp.Protect(echttp.Route("/forbidden", forbidden), protect)
	echttp.RoutePrefix("/echo", echo)
	echttp.StaticRoute("/static", cwd)

	fmt.Println("Now that the test server is ready, try these requests:")
	fmt.Println("  /welcome")
	fmt.Println("  /forbidden")
	fmt.Println("  /echo/...")
	fmt.Println("  /static/...")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-stop
		close(done)
	}()
	if err := echttp.Loop(done); err != nil {
		fmt.Fprintln(os.Stderr, "echttpserver:", err)
		os.Exit(1)
	}
}
