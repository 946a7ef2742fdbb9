package clusteradapter

import (
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
)

func resourceQuantity(s string) resource.Quantity {
	return resource.MustParse(s)
}

func intstrFromInt(i int) intstr.IntOrString {
	return intstr.FromInt(i)
}
