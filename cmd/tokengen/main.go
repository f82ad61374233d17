// Package main issues signed tokens for operators, viewers and input agents.
//
//	tokengen -sub alice -role operator
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gameon/recorder/config"
	"github.com/gameon/recorder/internal/auth"
)

func main() {
	sub := flag.String("sub", "", "token subject (operator or agent name)")
	role := flag.String("role", auth.RoleOperator, "operator, viewer or agent")
	hours := flag.Int("hours", -1, "lifetime in hours; 0 never expires, -1 uses JWT_EXPIRE_HOURS")
	flag.Parse()

	if *sub == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -sub is required")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
	expire := cfg.JWT.ExpireHours
	if *hours >= 0 {
		expire = *hours
	}

	token, err := auth.NewJWTService(cfg.JWT.Secret, expire).Generate(*sub, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
